package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chainrep/oracle/internal/idgen"
	"github.com/chainrep/oracle/internal/metrics"
	"github.com/chainrep/oracle/internal/retry"
)

// deliveryTimeout bounds one full delivery including retries.
const deliveryTimeout = 60 * time.Second

// envelope is the wire format POSTed to subscribers.
type envelope struct {
	Event     string         `json:"event"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Dispatcher fans trust events out to matching subscriptions. Each
// delivery runs in its own goroutine so a slow target only stalls
// itself.
type Dispatcher struct {
	store  Store
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		// Two retries after the initial attempt, then the delivery is failed.
		policy: retry.Fixed(time.Second, 5*time.Second),
		logger: logger,
	}
}

// Dispatch offers ev to every matching active subscription. It returns
// after the delivery goroutines are started, never after they finish.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("webhooks: list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if !sub.Matches(ev) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			d.Deliver(ctx, sub, ev)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Deliver POSTs ev to one subscription, recording every attempt in the
// delivery audit row. Final status is delivered or failed.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, ev *Event) *Delivery {
	body, err := json.Marshal(envelope{
		Event:     ev.Type,
		AgentID:   ev.AgentID,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	})
	if err != nil {
		d.logger.Error("webhook envelope marshal failed", "subscription", sub.ID, "error", err)
		return nil
	}

	del := &Delivery{
		ID:             idgen.WithPrefix("whd_"),
		SubscriptionID: sub.ID,
		Event:          ev.Type,
		AgentID:        ev.AgentID,
		Payload:        body,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := d.store.InsertDelivery(ctx, del); err != nil {
		d.logger.Error("webhook delivery insert failed", "subscription", sub.ID, "error", err)
		return nil
	}

	signature := sign(body, sub.Secret)
	err = d.policy.Do(ctx, func() error {
		del.Attempts++
		code, attemptErr := d.post(ctx, sub.URL, body, signature, ev.Type)
		del.ResponseCode = code
		if attemptErr != nil {
			del.LastError = attemptErr.Error()
		} else {
			del.LastError = ""
		}
		// Persist the attempt whether or not it worked.
		if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
			d.logger.Error("webhook delivery update failed", "delivery", del.ID, "error", uerr)
		}
		return attemptErr
	})

	if err != nil {
		del.Status = StatusFailed
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "url", sub.URL, "event", ev.Type,
			"attempts", del.Attempts, "error", err)
	} else {
		now := time.Now()
		del.Status = StatusDelivered
		del.DeliveredAt = &now
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
	if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
		d.logger.Error("webhook delivery update failed", "delivery", del.ID, "error", uerr)
	}
	if uerr := d.store.RecordOutcome(ctx, sub.ID, err == nil); uerr != nil {
		d.logger.Error("webhook counter update failed", "subscription", sub.ID, "error", uerr)
	}
	return del
}

// post performs one HTTP attempt. It returns the response status code
// (0 when no response was received) and an error for any non-2xx result.
func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature, eventType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Chainrep-Event", eventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// sign computes the X-Signature header value over the raw body.
func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Emitter wraps a Dispatcher with typed, fire-and-forget emit helpers.
// All methods log failures and never return errors.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates an emitter. A nil dispatcher yields a no-op emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, ev *Event) {
	if e == nil || e.d == nil {
		return
	}
	ev.ID = idgen.WithPrefix("evt_")
	ev.Timestamp = time.Now()
	if err := e.d.Dispatch(ctx, ev); err != nil {
		e.logger.Warn("webhook emit failed", "event", ev.Type, "agent", ev.AgentID, "error", err)
	}
}

// PublishScoreChange emits a score.changed event. Satisfies the rescore
// worker's publisher interface.
func (e *Emitter) PublishScoreChange(ctx context.Context, agentID string, oldScore, newScore float64, tier string) {
	e.emit(ctx, &Event{
		Type:       EventScoreChanged,
		AgentID:    agentID,
		ScoreDelta: newScore - oldScore,
		Payload: map[string]any{
			"oldScore": oldScore,
			"newScore": newScore,
			"tier":     tier,
		},
	})
}

// EmitRiskChanged emits a risk.changed event when a re-screen verdict differs.
func (e *Emitter) EmitRiskChanged(ctx context.Context, agentID, oldLevel, newLevel string, flags []string) {
	e.emit(ctx, &Event{
		Type:    EventRiskChanged,
		AgentID: agentID,
		Payload: map[string]any{
			"oldRiskLevel": oldLevel,
			"newRiskLevel": newLevel,
			"flags":        flags,
		},
	})
}

// EmitAlert emits an alert.raised event.
func (e *Emitter) EmitAlert(ctx context.Context, agentID, alertType, severity, message string) {
	e.emit(ctx, &Event{
		Type:    EventAlertRaised,
		AgentID: agentID,
		Payload: map[string]any{
			"alertType": alertType,
			"severity":  severity,
			"message":   message,
		},
	})
}

// EmitScreening emits a screening.completed event.
func (e *Emitter) EmitScreening(ctx context.Context, agentID, riskLevel string, flags []string) {
	e.emit(ctx, &Event{
		Type:    EventScreeningCompleted,
		AgentID: agentID,
		Payload: map[string]any{
			"riskLevel": riskLevel,
			"flags":     flags,
		},
	})
}
