// Package webhooks delivers trust events to registered HTTP endpoints.
//
// Subscribers register a URL and a set of event types; the dispatcher
// POSTs a signed JSON envelope for each qualifying event and keeps an
// append-only delivery audit trail. Delivery is at-least-once; targets
// must dedupe by event id.
package webhooks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event types subscriptions can select.
const (
	EventScoreChanged       = "score.changed"
	EventRiskChanged        = "risk.changed"
	EventAlertRaised        = "alert.raised"
	EventScreeningCompleted = "screening.completed"
)

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("webhooks: subscription not found")

// Event is one trust event offered to the dispatcher. ScoreDelta is only
// consulted when matching score.changed subscriptions.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AgentID    string         `json:"agentId"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
	ScoreDelta float64        `json:"-"`
}

// Subscription is one registered webhook target. Secret signs every
// delivery and is only returned once, at creation.
type Subscription struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Secret        string    `json:"-"`
	Events        []string  `json:"events"`
	AgentFilter   []string  `json:"agentFilter,omitempty"` // empty = all agents
	MinScoreDelta float64   `json:"minScoreDelta,omitempty"`
	Active        bool      `json:"active"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Matches reports whether ev qualifies for this subscription.
func (s *Subscription) Matches(ev *Event) bool {
	if !s.Active {
		return false
	}
	ok := false
	for _, t := range s.Events {
		if t == ev.Type {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if len(s.AgentFilter) > 0 {
		ok = false
		for _, id := range s.AgentFilter {
			if id == ev.AgentID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if ev.Type == EventScoreChanged && s.MinScoreDelta > 0 {
		delta := ev.ScoreDelta
		if delta < 0 {
			delta = -delta
		}
		if delta < s.MinScoreDelta {
			return false
		}
	}
	return true
}

// Delivery is one append-only audit row for one subscription and event.
// Attempts and status are updated in place as the dispatcher works.
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	Event          string     `json:"event"`
	AgentID        string     `json:"agentId"`
	Payload        []byte     `json:"payload"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	ResponseCode   int        `json:"responseCode,omitempty"` // 0 = no HTTP response
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
}

// Store persists subscriptions and the delivery audit trail.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	RecordOutcome(ctx context.Context, id string, success bool) error

	InsertDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)
}

// MemoryStore backs tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	deliveries []*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	all, _ := m.List(ctx)
	out := all[:0]
	for _, sub := range all {
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	kept := m.deliveries[:0]
	for _, d := range m.deliveries {
		if d.SubscriptionID != id {
			kept = append(kept, d)
		}
	}
	m.deliveries = kept
	return nil
}

func (m *MemoryStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		sub.SuccessCount++
	} else {
		sub.FailureCount++
	}
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

func (m *MemoryStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.deliveries {
		if existing.ID == d.ID {
			cp := *d
			cp.CreatedAt = existing.CreatedAt
			m.deliveries[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Delivery
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		d := m.deliveries[i]
		if subscriptionID != "" && d.SubscriptionID != subscriptionID {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// normalizeEvents lowercases and dedupes a requested event list, dropping
// unknown types. Returns nil when nothing valid remains.
func normalizeEvents(requested []string) []string {
	known := map[string]bool{
		EventScoreChanged:       true,
		EventRiskChanged:        true,
		EventAlertRaised:        true,
		EventScreeningCompleted: true,
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range requested {
		e = strings.ToLower(strings.TrimSpace(e))
		if known[e] && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
