package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/oracle/internal/retry"
)

func testDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.policy = retry.Policy{MaxAttempts: 3, Schedule: []time.Duration{time.Millisecond, time.Millisecond}}
	return d
}

func testSubscription(url string, events ...string) *Subscription {
	if len(events) == 0 {
		events = []string{EventScoreChanged}
	}
	return &Subscription{
		ID:     "wh_test",
		URL:    url,
		Secret: "topsecret",
		Events: events,
		Active: true,
	}
}

func TestDeliverSignsAndSucceeds(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	d := testDispatcher(store)
	del := d.Deliver(context.Background(), sub, &Event{
		ID:        "evt_1",
		Type:      EventScoreChanged,
		AgentID:   "42",
		Timestamp: time.Now(),
		Payload:   map[string]any{"oldScore": 50.0, "newScore": 61.5},
	})

	require.NotNil(t, del)
	assert.Equal(t, StatusDelivered, del.Status)
	assert.Equal(t, 1, del.Attempts)
	assert.Equal(t, http.StatusOK, del.ResponseCode)
	require.NotNil(t, del.DeliveredAt)

	// Signature covers the raw body.
	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)

	// Envelope carries the wire field names.
	var env map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, EventScoreChanged, env["event"])
	assert.Equal(t, "42", env["agent_id"])

	got, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)
}

// A target that keeps returning 500 gets exactly three attempts, then the
// delivery is marked failed.
func TestDeliverFailsAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	d := testDispatcher(store)
	del := d.Deliver(context.Background(), sub, &Event{
		ID: "evt_1", Type: EventScoreChanged, AgentID: "42", Timestamp: time.Now(),
	})

	require.NotNil(t, del)
	assert.Equal(t, StatusFailed, del.Status)
	assert.Equal(t, 3, del.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, http.StatusInternalServerError, del.ResponseCode)
	assert.Contains(t, del.LastError, "status 500")
	assert.Nil(t, del.DeliveredAt)

	got, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)

	// The audit row survives with the final state.
	rows, err := store.ListDeliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status)
	assert.Equal(t, 3, rows[0].Attempts)
}

func TestDeliverRecoversMidRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	del := testDispatcher(store).Deliver(context.Background(), sub, &Event{
		ID: "evt_1", Type: EventScoreChanged, AgentID: "7", Timestamp: time.Now(),
	})

	require.NotNil(t, del)
	assert.Equal(t, StatusDelivered, del.Status)
	assert.Equal(t, 3, del.Attempts)
	assert.Equal(t, http.StatusNoContent, del.ResponseCode)
	assert.Empty(t, del.LastError)
}

func TestSubscriptionMatching(t *testing.T) {
	score := &Event{Type: EventScoreChanged, AgentID: "1", ScoreDelta: 2}
	alert := &Event{Type: EventAlertRaised, AgentID: "2"}

	sub := testSubscription("http://example.invalid", EventScoreChanged)
	assert.True(t, sub.Matches(score))
	assert.False(t, sub.Matches(alert))

	sub.Active = false
	assert.False(t, sub.Matches(score))
	sub.Active = true

	// Agent filter restricts to listed agents.
	sub.AgentFilter = []string{"9"}
	assert.False(t, sub.Matches(score))
	sub.AgentFilter = []string{"1", "9"}
	assert.True(t, sub.Matches(score))

	// Minimum delta applies only to score changes.
	sub.AgentFilter = nil
	sub.MinScoreDelta = 5
	assert.False(t, sub.Matches(score))
	assert.True(t, sub.Matches(&Event{Type: EventScoreChanged, AgentID: "1", ScoreDelta: -6}))

	alertSub := testSubscription("http://example.invalid", EventAlertRaised)
	alertSub.MinScoreDelta = 5
	assert.True(t, alertSub.Matches(alert))
}

func TestDispatchFansOutToMatchingSubscriptions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	for i, events := range [][]string{
		{EventScoreChanged},
		{EventScoreChanged, EventAlertRaised},
		{EventAlertRaised}, // should not fire
	} {
		sub := testSubscription(srv.URL, events...)
		sub.ID = "wh_" + strings.Repeat("x", i+1)
		require.NoError(t, store.Create(ctx, sub))
	}

	d := testDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		ID: "evt_1", Type: EventScoreChanged, AgentID: "1", Timestamp: time.Now(),
	}))
	d.Wait()

	assert.Equal(t, int32(2), hits.Load())
}

func TestEmitterScoreChangeCarriesDelta(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSubscription(srv.URL)
	sub.MinScoreDelta = 10
	require.NoError(t, store.Create(context.Background(), sub))

	d := testDispatcher(store)
	em := NewEmitter(d, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Below the threshold: no delivery.
	em.PublishScoreChange(context.Background(), "5", 50, 55, "silver")
	d.Wait()
	assert.Nil(t, gotBody)

	em.PublishScoreChange(context.Background(), "5", 50, 75, "platinum")
	d.Wait()
	require.NotNil(t, gotBody)

	var env struct {
		Event   string         `json:"event"`
		AgentID string         `json:"agent_id"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, EventScoreChanged, env.Event)
	assert.Equal(t, "5", env.AgentID)
	assert.Equal(t, 75.0, env.Payload["newScore"])
}

func TestNormalizeEvents(t *testing.T) {
	assert.Equal(t, []string{EventScoreChanged, EventAlertRaised},
		normalizeEvents([]string{" Score.Changed ", "alert.raised", "score.changed", "bogus"}))
	assert.Nil(t, normalizeEvents([]string{"bogus"}))
}

func setupRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandlerCreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store)

	body := `{"url":"https://hooks.example.com/cb","events":["score.changed"],"minScoreDelta":2}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Secret)
	assert.True(t, strings.HasPrefix(created.Webhook.ID, "wh_"))
	assert.True(t, created.Webhook.Active)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	// The secret is never listed back.
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerRejectsBadInput(t *testing.T) {
	r := setupRouter(NewMemoryStore())

	for name, body := range map[string]string{
		"missing url":    `{"events":["score.changed"]}`,
		"bad scheme":     `{"url":"ftp://x.example","events":["score.changed"]}`,
		"unknown events": `{"url":"https://x.example/cb","events":["bogus"]}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}
