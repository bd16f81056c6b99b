package trust

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/oracle/internal/agents"
)

func newAgent(t *testing.T, store agents.Store, id string, ageDays int) {
	t.Helper()
	require.NoError(t, store.UpsertAgent(context.Background(), &agents.Agent{
		IdentityID:   id,
		ChainID:      84532,
		OwnerAddress: "0xowner" + id,
		MetadataURI:  "https://a.example/" + id + ".json",
		RegisteredAt: time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour),
	}))
}

func setScore(t *testing.T, store agents.Store, id string, score float64, tier string, feedback int) {
	t.Helper()
	require.NoError(t, store.UpdateScores(context.Background(), []agents.ScoreUpdate{{
		IdentityID:     id,
		CompositeScore: score,
		Tier:           tier,
		FeedbackCount:  feedback,
		AverageRating:  score,
	}}))
}

func addFeedback(t *testing.T, store agents.Store, id, reviewer string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.InsertEvent(context.Background(), &agents.ReputationEvent{
			AgentID:   id,
			ChainID:   84532,
			Reviewer:  reviewer,
			Rating:    80,
			TxHash:    fmt.Sprintf("0x%s-%s-%d", id, reviewer, i),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestEvaluateUnknownAgent(t *testing.T) {
	svc := New(agents.NewMemoryStore(), time.Minute)
	_, err := svc.Evaluate(context.Background(), "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A day-old agent with no feedback is unverified, not high-risk.
func TestEvaluateBrandNewAgent(t *testing.T) {
	store := agents.NewMemoryStore()
	newAgent(t, store, "1", 1)

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(context.Background(), "1")
	require.NoError(t, err)

	assert.Contains(t, ev.Flags, FlagUnverified)
	assert.Contains(t, ev.Flags, FlagNewIdentity)
	assert.NotContains(t, ev.Flags, FlagHighRiskScore)
	assert.Equal(t, RecommendUnverified, ev.Recommendation)
}

func TestEvaluateEstablishedAgent(t *testing.T) {
	store := agents.NewMemoryStore()
	newAgent(t, store, "2", 400)
	for i := 0; i < 50; i++ {
		addFeedback(t, store, "2", fmt.Sprintf("0xrev%02d", i), 1)
	}
	setScore(t, store, "2", 89.4, "diamond", 50)

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(context.Background(), "2")
	require.NoError(t, err)

	assert.Empty(t, ev.Flags)
	assert.Equal(t, RecommendTrusted, ev.Recommendation)
	assert.Equal(t, "diamond", ev.Tier)
}

// One reviewer behind 61 of 100 events marks the feedback concentrated and
// forces HIGH_RISK regardless of score.
func TestConcentratedFeedback(t *testing.T) {
	store := agents.NewMemoryStore()
	newAgent(t, store, "3", 200)
	addFeedback(t, store, "3", "0xwhale", 61)
	for i := 0; i < 39; i++ {
		addFeedback(t, store, "3", fmt.Sprintf("0xrev%02d", i), 1)
	}
	setScore(t, store, "3", 85, "diamond", 100)

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(context.Background(), "3")
	require.NoError(t, err)

	assert.Contains(t, ev.Flags, FlagConcentratedFeedback)
	assert.Equal(t, RecommendHighRisk, ev.Recommendation)
}

func TestRecommendPrecedence(t *testing.T) {
	// Severe flags dominate even perfect numbers.
	assert.Equal(t, RecommendHighRisk, Recommend(95, 100, []string{FlagHighRiskScore}))
	assert.Equal(t, RecommendHighRisk, Recommend(95, 100, []string{FlagConcentratedFeedback}))
	assert.Equal(t, RecommendHighRisk, Recommend(95, 2, []string{FlagConcentratedFeedback, FlagLowFeedback}))

	// Then thin feedback.
	assert.Equal(t, RecommendUnverified, Recommend(95, 0, []string{FlagUnverified}))
	assert.Equal(t, RecommendUnverified, Recommend(95, 4, []string{FlagLowFeedback}))

	// Then the trusted gate, else caution.
	assert.Equal(t, RecommendTrusted, Recommend(70, 10, nil))
	assert.Equal(t, RecommendCaution, Recommend(69.9, 10, nil))
	assert.Equal(t, RecommendCaution, Recommend(90, 9, nil))
}

func TestLowScoreFlaggedHighRisk(t *testing.T) {
	store := agents.NewMemoryStore()
	newAgent(t, store, "4", 100)
	addFeedback(t, store, "4", "0xrev1", 3)
	addFeedback(t, store, "4", "0xrev2", 3)
	setScore(t, store, "4", 35, "bronze", 6)

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(context.Background(), "4")
	require.NoError(t, err)

	assert.Contains(t, ev.Flags, FlagHighRiskScore)
	assert.Equal(t, RecommendHighRisk, ev.Recommendation)
}

func TestVolatilityFlag(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	newAgent(t, store, "5", 100)
	addFeedback(t, store, "5", "0xrev1", 5)
	addFeedback(t, store, "5", "0xrev2", 5)
	setScore(t, store, "5", 60, "gold", 10)

	// 14 daily snapshots swinging 40 points.
	for i := 0; i < 14; i++ {
		score := 40.0
		if i%2 == 0 {
			score = 80.0
		}
		require.NoError(t, store.SaveSnapshot(ctx, &agents.Snapshot{
			AgentID: "5",
			Date:    time.Now().UTC().AddDate(0, 0, -i),
			Score:   score,
		}))
	}

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(ctx, "5")
	require.NoError(t, err)
	assert.Contains(t, ev.Flags, FlagVolatility)
}

func TestSerialDeployerFlag(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()

	// One owner, six agents, four with zero feedback.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("6%d", i)
		require.NoError(t, store.UpsertAgent(ctx, &agents.Agent{
			IdentityID:   id,
			ChainID:      84532,
			OwnerAddress: "0xfactory",
			MetadataURI:  "https://a.example/" + id + ".json",
			RegisteredAt: time.Now().Add(-100 * 24 * time.Hour),
		}))
	}
	addFeedback(t, store, "60", "0xrev1", 5)
	addFeedback(t, store, "61", "0xrev2", 5)
	setScore(t, store, "60", 70, "gold", 5)
	setScore(t, store, "61", 70, "gold", 5)

	svc := New(store, time.Minute)
	ev, err := svc.Evaluate(ctx, "60")
	require.NoError(t, err)
	assert.Contains(t, ev.Flags, FlagSerialDeployer)
}

func TestCacheAndInvalidate(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	newAgent(t, store, "7", 100)
	addFeedback(t, store, "7", "0xrev1", 10)
	setScore(t, store, "7", 75, "platinum", 10)

	svc := New(store, time.Minute)
	first, err := svc.Evaluate(ctx, "7")
	require.NoError(t, err)

	// A store change is invisible until the cache entry is dropped.
	setScore(t, store, "7", 20, "unranked", 10)
	cached, err := svc.Evaluate(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, first.CompositeScore, cached.CompositeScore)

	svc.Invalidate("7")
	fresh, err := svc.Evaluate(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 20.0, fresh.CompositeScore)
	assert.Equal(t, RecommendHighRisk, fresh.Recommendation)
}

func TestStats(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	newAgent(t, store, "1", 100)
	newAgent(t, store, "2", 100)
	addFeedback(t, store, "1", "0xrev1", 4)
	setScore(t, store, "1", 80, "platinum", 4)
	setScore(t, store, "2", 40, "unranked", 0)

	svc := New(store, time.Minute)
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 4, stats.TotalFeedback)
	assert.Equal(t, 60.0, stats.AverageScore)
	assert.Equal(t, 1, stats.TierDistribution["platinum"])
	assert.Equal(t, 1, stats.TierDistribution["unranked"])
}

func TestFindTrusted(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		newAgent(t, store, fmt.Sprintf("%d", i), 100)
	}
	setScore(t, store, "1", 90, "diamond", 30)
	setScore(t, store, "2", 72, "platinum", 12)
	setScore(t, store, "3", 30, "bronze", 2)

	svc := New(store, time.Minute)
	got, err := svc.FindTrusted(ctx, "", "", 70, 10, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].IdentityID)
}
