// Package feed is the in-process pub/sub bus for live trust events.
//
// Each subscriber owns a bounded queue; publishing never blocks. A slow
// subscriber whose queue fills up is dropped rather than awaited. A small
// ring buffer of recent records lets a reconnecting subscriber replay the
// gap from its last seen id.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chainrep/oracle/internal/metrics"
)

const (
	// QueueSize bounds each subscriber's pending records.
	QueueSize = 64
	// RingSize bounds the replay window.
	RingSize = 100
	// MaxSubscribers bounds concurrent subscribers.
	MaxSubscribers = 1024
	// KeepaliveInterval paces keepalive records to idle subscribers.
	KeepaliveInterval = 25 * time.Second
)

const (
	EventTrustUpdate = "trust_update"
	EventKeepalive   = "keepalive"
)

var ErrTooManySubscribers = errors.New("feed: subscriber limit reached")

// Record is one feed entry. Keepalives carry id 0 and no data.
type Record struct {
	ID    uint64         `json:"id"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Marshal serializes the record for the wire.
func (r *Record) Marshal() []byte {
	b, _ := json.Marshal(r)
	return b
}

// agentID returns the agent the record concerns, if any.
func (r *Record) agentID() string {
	if r.Data == nil {
		return ""
	}
	id, _ := r.Data["agentId"].(string)
	return id
}

// Subscriber receives records on C. It must be closed when done.
type Subscriber struct {
	ch    chan *Record
	agent string // non-empty filters to one agent
	bus   *Bus
	once  sync.Once
}

// C delivers records. The channel is closed when the subscriber is
// dropped for slowness or the bus shuts down.
func (s *Subscriber) C() <-chan *Record { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() { s.bus.unsubscribe(s) }

// wants reports whether the subscriber's filter admits r. Keepalives
// always pass.
func (s *Subscriber) wants(r *Record) bool {
	if r.Event == EventKeepalive || s.agent == "" {
		return true
	}
	return s.agent == r.agentID()
}

// Bus fans trust events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]bool
	ring   []*Record // newest last, at most RingSize
	nextID uint64
	closed bool
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewBus creates a feed bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]bool),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the keepalive loop until Stop or ctx cancellation.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.shutdown()
				return
			case <-b.stop:
				b.shutdown()
				return
			case <-ticker.C:
				b.broadcast(&Record{Event: EventKeepalive})
			}
		}
	}()
}

// Stop shuts the bus down and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Bus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	metrics.FeedSubscribers.Set(0)
	b.logger.Info("feed bus stopped")
}

// Subscribe attaches a new subscriber. agent, when non-empty, filters
// records to that agent. lastEventID, when non-zero, replays ring records
// newer than it into the queue before any live records.
func (b *Bus) Subscribe(agent string, lastEventID uint64) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("feed: bus stopped")
	}
	if len(b.subs) >= MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	sub := &Subscriber{ch: make(chan *Record, QueueSize), agent: agent, bus: b}
	if lastEventID > 0 {
		for _, r := range b.ring {
			if r.ID > lastEventID && sub.wants(r) {
				select {
				case sub.ch <- r:
				default: // replay larger than the queue, keep the newest live
				}
			}
		}
	}
	b.subs[sub] = true
	metrics.FeedSubscribers.Set(float64(len(b.subs)))
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
		metrics.FeedSubscribers.Set(float64(len(b.subs)))
	}
}

// Publish appends a trust_update record to the ring and offers it to every
// subscriber. It never blocks: a subscriber with a full queue is dropped.
func (b *Bus) Publish(data map[string]any) *Record {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.nextID++
	r := &Record{ID: b.nextID, Event: EventTrustUpdate, Data: data}
	b.ring = append(b.ring, r)
	if len(b.ring) > RingSize {
		b.ring = b.ring[1:]
	}
	b.mu.Unlock()

	b.broadcast(r)
	return r
}

func (b *Bus) broadcast(r *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(r) {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			delete(b.subs, sub)
			close(sub.ch)
			metrics.FeedDroppedSubscribers.Inc()
			b.logger.Warn("feed subscriber dropped, queue full", "agent", sub.agent)
		}
	}
	metrics.FeedSubscribers.Set(float64(len(b.subs)))
}

// PublishScoreChange publishes a score change as a trust_update record.
// Satisfies the rescore worker's publisher interface.
func (b *Bus) PublishScoreChange(ctx context.Context, agentID string, oldScore, newScore float64, tier string) {
	b.Publish(map[string]any{
		"type":     "score_change",
		"agentId":  agentID,
		"oldScore": oldScore,
		"newScore": newScore,
		"tier":     tier,
	})
}

// PublishRiskChange publishes a screening verdict change.
func (b *Bus) PublishRiskChange(agentID, oldLevel, newLevel string, flags []string) {
	b.Publish(map[string]any{
		"type":         "risk_change",
		"agentId":      agentID,
		"oldRiskLevel": oldLevel,
		"newRiskLevel": newLevel,
		"flags":        flags,
	})
}

// PublishAlert publishes a raised alert.
func (b *Bus) PublishAlert(agentID, alertType, severity, message string) {
	b.Publish(map[string]any{
		"type":      "alert",
		"agentId":   agentID,
		"alertType": alertType,
		"severity":  severity,
		"message":   message,
	})
}
