package agents

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	events      []*ReputationEvent
	eventTx     map[string]bool // tx hash dedup
	validations map[string]*Validation
	snapshots   map[string]*Snapshot // key agentID|date
	snapOrder   []*Snapshot
	screenings  []*Screening
	alerts      []*Alert
	nextEventID int64
	nextSnapID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*Agent),
		eventTx:     make(map[string]bool),
		validations: make(map[string]*Validation),
		snapshots:   make(map[string]*Snapshot),
	}
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (m *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.agents[a.IdentityID]; ok {
		// Registration replay: refresh identity fields, keep derived state.
		existing.OwnerAddress = strings.ToLower(a.OwnerAddress)
		existing.MetadataURI = a.MetadataURI
		if a.Name != "" {
			existing.Name = a.Name
		}
		if a.Description != "" {
			existing.Description = a.Description
		}
		if a.Category != "" {
			existing.Category = a.Category
		}
		existing.UpdatedAt = now
		return nil
	}

	cp := *a
	cp.OwnerAddress = strings.ToLower(a.OwnerAddress)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.agents[cp.IdentityID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, identityID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if q.Category != "" && a.Category != q.Category {
			continue
		}
		if q.Tier != "" && a.Tier != q.Tier {
			continue
		}
		if a.CompositeScore < q.MinScore {
			continue
		}
		if a.FeedbackCount < q.MinFeedback {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.OrderByRank && out[i].Rank != out[j].Rank {
			// Unranked (0) sorts last.
			if out[i].Rank == 0 {
				return false
			}
			if out[j].Rank == 0 {
				return true
			}
			return out[i].Rank < out[j].Rank
		}
		return out[i].CompositeScore > out[j].CompositeScore
	})

	return paginate(out, q.Offset, q.Limit), nil
}

func (m *MemoryStore) ListAgentsPage(ctx context.Context, offset, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return paginate(out, offset, limit), nil
}

func (m *MemoryStore) ListAgentsByOwner(ctx context.Context, owner string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner = strings.ToLower(owner)
	var out []*Agent
	for _, a := range m.agents {
		if a.OwnerAddress == owner {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (m *MemoryStore) CountAgents(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents), nil
}

func (m *MemoryStore) SetAgentOwner(ctx context.Context, identityID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[identityID]
	if !ok {
		return ErrNotFound
	}
	a.OwnerAddress = strings.ToLower(owner)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordURIChange(ctx context.Context, identityID, newURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[identityID]
	if !ok {
		return ErrNotFound
	}
	if a.MetadataURI != newURI {
		a.MetadataURI = newURI
		a.URIChangeCount++
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) UpdateScores(ctx context.Context, updates []ScoreUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range updates {
		a, ok := m.agents[u.IdentityID]
		if !ok {
			continue
		}
		a.CompositeScore = u.CompositeScore
		a.Tier = u.Tier
		a.FeedbackCount = u.FeedbackCount
		a.AverageRating = u.AverageRating
		a.ValidationRate = u.ValidationRate
		a.Rank = u.Rank
		a.CategoryRank = u.CategoryRank
		a.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) MarkScreened(ctx context.Context, identityID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[identityID]
	if !ok {
		return ErrNotFound
	}
	a.LastScreenedAt = &at
	return nil
}

func (m *MemoryStore) MarkLiveness(ctx context.Context, identityID string, at time.Time, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[identityID]
	if !ok {
		return ErrNotFound
	}
	a.LastLivenessAt = &at
	a.LivenessScore = &score
	return nil
}

// ---------------------------------------------------------------------------
// Reputation events
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertEvent(ctx context.Context, e *ReputationEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventTx[e.TxHash] {
		return false, nil // replay, no-op
	}

	m.nextEventID++
	cp := *e
	cp.ID = m.nextEventID
	cp.Reviewer = strings.ToLower(e.Reviewer)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events = append(m.events, &cp)
	m.eventTx[e.TxHash] = true
	return true, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, q EventQuery) ([]*ReputationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ReputationEvent
	for _, e := range m.events {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.Reviewer != "" && e.Reviewer != strings.ToLower(q.Reviewer) {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, q.Offset, q.Limit), nil
}

func (m *MemoryStore) ListEventsPage(ctx context.Context, offset, limit int) ([]*ReputationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ReputationEvent, 0, len(m.events))
	for _, e := range m.events {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, offset, limit), nil
}

func (m *MemoryStore) CountEvents(ctx context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if agentID == "" {
		return len(m.events), nil
	}
	n := 0
	for _, e := range m.events {
		if e.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Validations
// ---------------------------------------------------------------------------

func (m *MemoryStore) UpsertValidationRequest(ctx context.Context, v *Validation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.validations[v.ValidationID]; ok {
		return nil // replay
	}
	cp := *v
	cp.Requester = strings.ToLower(v.Requester)
	m.validations[cp.ValidationID] = &cp
	return nil
}

func (m *MemoryStore) CompleteValidation(ctx context.Context, validationID, validator string, isValid bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.validations[validationID]
	if !ok {
		return ErrValidation
	}
	validator = strings.ToLower(validator)
	v.Validator = &validator
	v.IsValid = &isValid
	v.RespondedAt = &at
	return nil
}

func (m *MemoryStore) ListValidations(ctx context.Context, agentID string) ([]*Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Validation
	for _, v := range m.validations {
		if agentID == "" || v.AgentID == agentID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Score history
// ---------------------------------------------------------------------------

func (m *MemoryStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.AgentID + "|" + s.Date.UTC().Format("2006-01-02")
	if existing, ok := m.snapshots[key]; ok {
		// One row per agent per day: later writes update in place.
		existing.Score = s.Score
		existing.AverageRating = s.AverageRating
		existing.FeedbackCount = s.FeedbackCount
		existing.ValidationRate = s.ValidationRate
		return nil
	}

	m.nextSnapID++
	cp := *s
	cp.ID = m.nextSnapID
	cp.Date = s.Date.UTC().Truncate(24 * time.Hour)
	cp.CreatedAt = time.Now()
	m.snapshots[key] = &cp
	m.snapOrder = append(m.snapOrder, &cp)
	return nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, agentID string, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, s := range m.snapOrder {
		if s.AgentID == agentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Screenings and alerts
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertScreening(ctx context.Context, s *Screening) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.screenings = append(m.screenings, &cp)
	return nil
}

func (m *MemoryStore) LatestScreening(ctx context.Context, agentID string) (*Screening, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Screening
	for _, s := range m.screenings {
		if s.AgentID != agentID {
			continue
		}
		if latest == nil || s.ScreenedAt.After(latest.ScreenedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListUnscreened(ctx context.Context, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.LastScreenedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	// Most feedback first: busy agents are screened before idle ones.
	sort.Slice(out, func(i, j int) bool { return out[i].FeedbackCount > out[j].FeedbackCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListScreenedBefore(ctx context.Context, before time.Time, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.LastScreenedAt != nil && a.LastScreenedAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastScreenedAt.Before(*out[j].LastScreenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListLivenessDue(ctx context.Context, before time.Time, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if !strings.HasPrefix(a.MetadataURI, "http://") && !strings.HasPrefix(a.MetadataURI, "https://") {
			continue
		}
		if a.LastLivenessAt == nil || a.LastLivenessAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountScreeningsSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.screenings {
		if s.ScreenedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) InsertAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MemoryStore) ListAlertsSince(ctx context.Context, since time.Time, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if a.CreatedAt.After(since) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountAlertsSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
