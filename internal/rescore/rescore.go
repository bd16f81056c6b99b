// Package rescore recomputes every agent's composite score on a fixed cadence.
//
// The cycle pages all agents and all reputation events into in-memory
// aggregates, calls the scoring engine once per agent, bulk-writes the
// results in bounded chunks, assigns global and per-category leaderboard
// ranks, and records one score snapshot per agent per day.
package rescore

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/metrics"
	"github.com/chainrep/oracle/internal/scoring"
)

const (
	// PageSize bounds one store read.
	PageSize = 1000
	// WriteChunk bounds one bulk score write.
	WriteChunk = 500

	abandonedAfter = 30 * 24 * time.Hour
)

// Publisher receives score-change notifications for fan-out. Implementations
// must not block.
type Publisher interface {
	PublishScoreChange(ctx context.Context, agentID string, oldScore, newScore float64, tier string)
}

// Worker runs the rescoring cycle.
type Worker struct {
	store     agents.Store
	engine    *scoring.Engine
	publisher Publisher // optional
	interval  time.Duration
	logger    *slog.Logger

	mu          sync.RWMutex
	leaderboard []*agents.Agent

	stop chan struct{}
	done chan struct{}
}

// New creates a rescore worker. publisher may be nil.
func New(store agents.Store, publisher Publisher, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		engine:    scoring.NewEngine(),
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the periodic rescore loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop halts the loop and waits for the in-flight cycle.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				w.logger.Error("rescore cycle failed", "error", err)
			}
		}
	}
}

// Leaderboard returns the rank-ordered agents from the last cycle.
func (w *Worker) Leaderboard(limit int) []*agents.Agent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if limit <= 0 || limit > len(w.leaderboard) {
		limit = len(w.leaderboard)
	}
	out := make([]*agents.Agent, limit)
	copy(out, w.leaderboard[:limit])
	return out
}

// eventAgg accumulates one agent's feedback statistics.
type eventAgg struct {
	count int
	sum   float64
	sumSq float64
}

func (a *eventAgg) mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func (a *eventAgg) stddev() float64 {
	if a.count < 2 {
		return 0
	}
	m := a.mean()
	variance := a.sumSq/float64(a.count) - m*m
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Cycle recomputes every agent once.
func (w *Worker) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RescoreDuration.Observe(time.Since(start).Seconds())
	}()

	all, err := w.pageAgents(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	eventAggs, err := w.pageEvents(ctx)
	if err != nil {
		return err
	}
	validationRates, err := w.aggregateValidations(ctx)
	if err != nil {
		return err
	}
	deployerScores := deployerReputations(all, eventAggs)

	now := time.Now()
	updates := make([]agents.ScoreUpdate, 0, len(all))
	oldScores := make(map[string]float64, len(all))
	for _, a := range all {
		oldScores[a.IdentityID] = a.CompositeScore
		agg := eventAggs[a.IdentityID]
		if agg == nil {
			agg = &eventAgg{}
		}

		in := scoring.Inputs{
			AverageRating:  agg.mean(),
			FeedbackCount:  agg.count,
			RatingStdDev:   agg.stddev(),
			ValidationRate: validationRates[a.IdentityID],
			AgeDays:        now.Sub(a.RegisteredAt).Hours() / 24,
			Uptime:         a.LivenessScore,
			URIChangeCount: a.URIChangeCount,
		}
		if ds, ok := deployerScores[a.OwnerAddress]; ok {
			in.DeployerScore = &ds
		}

		res := w.engine.Calculate(in)
		updates = append(updates, agents.ScoreUpdate{
			IdentityID:     a.IdentityID,
			CompositeScore: res.Score,
			Tier:           res.Tier,
			FeedbackCount:  agg.count,
			AverageRating:  agg.mean(),
			ValidationRate: validationRates[a.IdentityID],
		})
	}

	assignRanks(updates, all)

	for off := 0; off < len(updates); off += WriteChunk {
		end := off + WriteChunk
		if end > len(updates) {
			end = len(updates)
		}
		if err := w.store.UpdateScores(ctx, updates[off:end]); err != nil {
			return err
		}
	}
	metrics.RescoredAgents.Add(float64(len(updates)))

	// Daily snapshots, one row per agent per day; re-running a cycle the
	// same day overwrites in place.
	day := now.UTC().Truncate(24 * time.Hour)
	for _, u := range updates {
		snap := &agents.Snapshot{
			AgentID:        u.IdentityID,
			Date:           day,
			Score:          u.CompositeScore,
			AverageRating:  u.AverageRating,
			FeedbackCount:  u.FeedbackCount,
			ValidationRate: u.ValidationRate,
		}
		if err := w.store.SaveSnapshot(ctx, snap); err != nil {
			w.logger.Warn("snapshot save failed", "agent", u.IdentityID, "error", err)
		}
	}

	w.rebuildLeaderboard(ctx)

	if w.publisher != nil {
		for _, u := range updates {
			old := oldScores[u.IdentityID]
			if old != u.CompositeScore {
				w.publisher.PublishScoreChange(ctx, u.IdentityID, old, u.CompositeScore, u.Tier)
			}
		}
	}

	w.logger.Info("rescore cycle completed",
		"agents", len(updates),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (w *Worker) pageAgents(ctx context.Context) ([]*agents.Agent, error) {
	var all []*agents.Agent
	for offset := 0; ; offset += PageSize {
		page, err := w.store.ListAgentsPage(ctx, offset, PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
	}
}

func (w *Worker) pageEvents(ctx context.Context) (map[string]*eventAgg, error) {
	aggs := make(map[string]*eventAgg)
	for offset := 0; ; offset += PageSize {
		page, err := w.store.ListEventsPage(ctx, offset, PageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			agg := aggs[e.AgentID]
			if agg == nil {
				agg = &eventAgg{}
				aggs[e.AgentID] = agg
			}
			r := float64(e.Rating)
			agg.count++
			agg.sum += r
			agg.sumSq += r * r
		}
		if len(page) < PageSize {
			return aggs, nil
		}
	}
}

// aggregateValidations returns responded-validation success rates keyed by
// agent; agents with no responded validations are absent (neutral signal).
func (w *Worker) aggregateValidations(ctx context.Context) (map[string]*float64, error) {
	vals, err := w.store.ListValidations(ctx, "")
	if err != nil {
		return nil, err
	}

	type counts struct{ responded, valid int }
	byAgent := make(map[string]*counts)
	for _, v := range vals {
		if v.IsValid == nil {
			continue
		}
		c := byAgent[v.AgentID]
		if c == nil {
			c = &counts{}
			byAgent[v.AgentID] = c
		}
		c.responded++
		if *v.IsValid {
			c.valid++
		}
	}

	out := make(map[string]*float64, len(byAgent))
	for id, c := range byAgent {
		rate := float64(c.valid) / float64(c.responded)
		out[id] = &rate
	}
	return out, nil
}

// deployerReputations scores each owner address from its portfolio, using
// the agents' current state (last cycle's scores, this cycle's counts).
func deployerReputations(all []*agents.Agent, eventAggs map[string]*eventAgg) map[string]float64 {
	type portfolio struct {
		owned     int
		abandoned int
		scoreSum  float64
		oldest    float64
	}
	now := time.Now()

	byOwner := make(map[string]*portfolio)
	for _, a := range all {
		p := byOwner[a.OwnerAddress]
		if p == nil {
			p = &portfolio{}
			byOwner[a.OwnerAddress] = p
		}
		p.owned++
		p.scoreSum += a.CompositeScore

		ageDays := now.Sub(a.RegisteredAt).Hours() / 24
		if ageDays > p.oldest {
			p.oldest = ageDays
		}
		feedback := 0
		if agg := eventAggs[a.IdentityID]; agg != nil {
			feedback = agg.count
		}
		if feedback == 0 && now.Sub(a.RegisteredAt) > abandonedAfter {
			p.abandoned++
		}
	}

	out := make(map[string]float64, len(byOwner))
	for owner, p := range byOwner {
		out[owner] = scoring.DeployerReputation(scoring.DeployerInputs{
			OwnedCount:      p.owned,
			AbandonedCount:  p.abandoned,
			AverageQuality:  p.scoreSum / float64(p.owned),
			OldestAgentDays: p.oldest,
		})
	}
	return out
}

// assignRanks orders updates by score (feedback count breaking ties) and
// writes global plus per-category ranks. Unranked agents get rank 0.
func assignRanks(updates []agents.ScoreUpdate, all []*agents.Agent) {
	categories := make(map[string]string, len(all))
	for _, a := range all {
		categories[a.IdentityID] = a.Category
	}

	order := make([]int, len(updates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(x, y int) bool {
		a, b := updates[order[x]], updates[order[y]]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		return a.FeedbackCount > b.FeedbackCount
	})

	rank := 0
	catRank := make(map[string]int)
	for _, idx := range order {
		u := &updates[idx]
		if u.Tier == scoring.TierUnranked {
			continue
		}
		rank++
		u.Rank = rank
		if cat := categories[u.IdentityID]; cat != "" {
			catRank[cat]++
			u.CategoryRank = catRank[cat]
		}
	}
}

func (w *Worker) rebuildLeaderboard(ctx context.Context) {
	top, err := w.store.ListAgents(ctx, agents.AgentQuery{OrderByRank: true, Limit: 100})
	if err != nil {
		w.logger.Warn("leaderboard rebuild failed", "error", err)
		return
	}
	w.mu.Lock()
	w.leaderboard = top
	w.mu.Unlock()
}
