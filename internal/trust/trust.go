// Package trust serves per-agent trust evaluations and risk assessments.
//
// Evaluations are derived on demand from the store and cached for a short
// TTL; the screener invalidates entries whenever it writes something that
// changes an agent's picture.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/cache"
	"github.com/chainrep/oracle/internal/metrics"
)

// ErrNotFound reports an unknown agent id.
var ErrNotFound = errors.New("trust: agent not found")

// Risk flags, ordered roughly by severity.
const (
	FlagUnverified           = "UNVERIFIED"
	FlagLowFeedback          = "LOW_FEEDBACK"
	FlagHighRiskScore        = "HIGH_RISK_SCORE"
	FlagConcentratedFeedback = "CONCENTRATED_FEEDBACK"
	FlagLowUptime            = "LOW_UPTIME"
	FlagVolatility           = "VOLATILITY"
	FlagSerialDeployer       = "SERIAL_DEPLOYER"
	FlagFrequentURIChanges   = "FREQUENT_URI_CHANGES"
	FlagNewIdentity          = "NEW_IDENTITY"
)

// Recommendations.
const (
	RecommendTrusted    = "TRUSTED"
	RecommendCaution    = "CAUTION"
	RecommendHighRisk   = "HIGH_RISK"
	RecommendUnverified = "UNVERIFIED"
)

// Thresholds behind the flags.
const (
	lowFeedbackBelow       = 5
	highRiskScoreBelow     = 50.0
	concentrationAbove     = 0.60
	lowUptimeBelow         = 80.0
	volatilitySwingAbove   = 30.0
	volatilityWindow       = 14
	frequentURIChangesAt   = 3
	newIdentityWithin      = 7 * 24 * time.Hour
	trustedScoreAt         = 70.0
	trustedFeedbackAt      = 10
	serialDeployerOwnedAt  = 5
	serialDeployerZeroFrac = 0.5
)

// Evaluation is the cached per-agent verdict.
type Evaluation struct {
	AgentID        string    `json:"agentId"`
	Name           string    `json:"name,omitempty"`
	CompositeScore float64   `json:"compositeScore"`
	Tier           string    `json:"tier"`
	FeedbackCount  int       `json:"feedbackCount"`
	AverageRating  float64   `json:"averageRating"`
	ValidationRate *float64  `json:"validationRate,omitempty"`
	Flags          []string  `json:"flags"`
	Recommendation string    `json:"recommendation"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// RiskAssessment is the evaluation reframed around its flags.
type RiskAssessment struct {
	AgentID    string    `json:"agentId"`
	RiskLevel  string    `json:"riskLevel"` // TRUSTED / CAUTION / HIGH_RISK / UNVERIFIED
	Flags      []string  `json:"flags"`
	Score      float64   `json:"score"`
	AssessedAt time.Time `json:"assessedAt"`
}

// NetworkStats summarizes the whole registry.
type NetworkStats struct {
	TotalAgents      int            `json:"totalAgents"`
	TotalFeedback    int            `json:"totalFeedback"`
	AverageScore     float64        `json:"averageScore"`
	TierDistribution map[string]int `json:"tierDistribution"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// Service evaluates agents with a read-through TTL cache.
type Service struct {
	store agents.Store
	cache *cache.Cache[*Evaluation]
}

// New creates a trust service. ttl bounds evaluation staleness.
func New(store agents.Store, ttl time.Duration) *Service {
	return &Service{
		store: store,
		cache: cache.New[*Evaluation](ttl),
	}
}

// Invalidate drops one agent's cached evaluation.
func (s *Service) Invalidate(agentID string) {
	s.cache.Invalidate(agentID)
}

// Evaluate returns the agent's trust evaluation, cached up to the TTL.
func (s *Service) Evaluate(ctx context.Context, agentID string) (*Evaluation, error) {
	if ev, ok := s.cache.Get(agentID); ok {
		metrics.EvaluationCacheHits.WithLabelValues("hit").Inc()
		return ev, nil
	}
	metrics.EvaluationCacheHits.WithLabelValues("miss").Inc()

	ev, err := s.evaluate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(agentID, ev)
	return ev, nil
}

// AssessRisk returns the flag-centric view of an evaluation.
func (s *Service) AssessRisk(ctx context.Context, agentID string) (*RiskAssessment, error) {
	ev, err := s.Evaluate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &RiskAssessment{
		AgentID:    ev.AgentID,
		RiskLevel:  ev.Recommendation,
		Flags:      ev.Flags,
		Score:      ev.CompositeScore,
		AssessedAt: ev.EvaluatedAt,
	}, nil
}

func (s *Service) evaluate(ctx context.Context, agentID string) (*Evaluation, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, agents.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, err
	}

	flags, err := s.deriveFlags(ctx, a)
	if err != nil {
		return nil, err
	}

	return &Evaluation{
		AgentID:        a.IdentityID,
		Name:           a.Name,
		CompositeScore: a.CompositeScore,
		Tier:           a.Tier,
		FeedbackCount:  a.FeedbackCount,
		AverageRating:  a.AverageRating,
		ValidationRate: a.ValidationRate,
		Flags:          flags,
		Recommendation: Recommend(a.CompositeScore, a.FeedbackCount, flags),
		EvaluatedAt:    time.Now(),
	}, nil
}

func (s *Service) deriveFlags(ctx context.Context, a *agents.Agent) ([]string, error) {
	flags := []string{}

	if a.FeedbackCount == 0 {
		flags = append(flags, FlagUnverified)
	} else if a.FeedbackCount < lowFeedbackBelow {
		flags = append(flags, FlagLowFeedback)
	}

	if a.CompositeScore < highRiskScoreBelow && a.FeedbackCount > 0 {
		flags = append(flags, FlagHighRiskScore)
	}

	if a.FeedbackCount > 0 {
		concentrated, err := s.feedbackConcentrated(ctx, a.IdentityID)
		if err != nil {
			return nil, err
		}
		if concentrated {
			flags = append(flags, FlagConcentratedFeedback)
		}
	}

	if a.LivenessScore != nil && *a.LivenessScore < lowUptimeBelow {
		flags = append(flags, FlagLowUptime)
	}

	volatile, err := s.scoreVolatile(ctx, a.IdentityID)
	if err != nil {
		return nil, err
	}
	if volatile {
		flags = append(flags, FlagVolatility)
	}

	serial, err := s.serialDeployer(ctx, a.OwnerAddress)
	if err != nil {
		return nil, err
	}
	if serial {
		flags = append(flags, FlagSerialDeployer)
	}

	if a.URIChangeCount >= frequentURIChangesAt {
		flags = append(flags, FlagFrequentURIChanges)
	}

	if time.Since(a.RegisteredAt) < newIdentityWithin {
		flags = append(flags, FlagNewIdentity)
	}

	return flags, nil
}

// feedbackConcentrated reports whether one reviewer wrote more than 60% of
// the agent's events.
func (s *Service) feedbackConcentrated(ctx context.Context, agentID string) (bool, error) {
	events, err := s.store.ListEvents(ctx, agents.EventQuery{AgentID: agentID, Limit: 1000})
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	byReviewer := make(map[string]int)
	for _, e := range events {
		byReviewer[e.Reviewer]++
	}
	for _, n := range byReviewer {
		if float64(n)/float64(len(events)) > concentrationAbove {
			return true, nil
		}
	}
	return false, nil
}

// scoreVolatile reports a >30-point swing across the last 14 daily snapshots.
func (s *Service) scoreVolatile(ctx context.Context, agentID string) (bool, error) {
	snaps, err := s.store.ListSnapshots(ctx, agentID, volatilityWindow)
	if err != nil {
		return false, err
	}
	if len(snaps) < 2 {
		return false, nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, sn := range snaps {
		if sn.Score < lo {
			lo = sn.Score
		}
		if sn.Score > hi {
			hi = sn.Score
		}
	}
	return hi-lo > volatilitySwingAbove, nil
}

// serialDeployer reports an owner holding many agents where at least half
// have no feedback.
func (s *Service) serialDeployer(ctx context.Context, owner string) (bool, error) {
	owned, err := s.store.ListAgentsByOwner(ctx, owner)
	if err != nil {
		return false, err
	}
	if len(owned) < serialDeployerOwnedAt {
		return false, nil
	}

	zero := 0
	for _, a := range owned {
		if a.FeedbackCount == 0 {
			zero++
		}
	}
	return float64(zero)/float64(len(owned)) >= serialDeployerZeroFrac, nil
}

// Recommend maps flags, score, and feedback volume to one recommendation.
// Severe flags dominate everything else.
func Recommend(score float64, feedbackCount int, flags []string) string {
	for _, f := range flags {
		if f == FlagHighRiskScore || f == FlagConcentratedFeedback {
			return RecommendHighRisk
		}
	}
	if feedbackCount < lowFeedbackBelow {
		return RecommendUnverified
	}
	if score >= trustedScoreAt && feedbackCount >= trustedFeedbackAt {
		return RecommendTrusted
	}
	return RecommendCaution
}

// FindTrusted lists agents matching the given floors, best first.
func (s *Service) FindTrusted(ctx context.Context, category, tier string, minScore float64, minFeedback, limit int) ([]*agents.Agent, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	return s.store.ListAgents(ctx, agents.AgentQuery{
		Category:    category,
		Tier:        tier,
		MinScore:    minScore,
		MinFeedback: minFeedback,
		Limit:       limit,
	})
}

// Stats summarizes the network.
func (s *Service) Stats(ctx context.Context) (*NetworkStats, error) {
	total, err := s.store.CountAgents(ctx)
	if err != nil {
		return nil, err
	}
	feedback, err := s.store.CountEvents(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &NetworkStats{
		TotalAgents:      total,
		TotalFeedback:    feedback,
		TierDistribution: make(map[string]int),
		GeneratedAt:      time.Now(),
	}

	// Page through everything; no server-side aggregation assumed.
	var sum float64
	for offset := 0; ; offset += 1000 {
		page, err := s.store.ListAgentsPage(ctx, offset, 1000)
		if err != nil {
			return nil, err
		}
		for _, a := range page {
			sum += a.CompositeScore
			stats.TierDistribution[a.Tier]++
		}
		if len(page) < 1000 {
			break
		}
	}
	if total > 0 {
		stats.AverageScore = math.Round(sum/float64(total)*10) / 10
	}
	return stats, nil
}
