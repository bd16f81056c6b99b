package rescore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/scoring"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes map[string]float64 // agent id -> new score
}

func (p *recordingPublisher) PublishScoreChange(_ context.Context, agentID string, _, newScore float64, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.changes == nil {
		p.changes = make(map[string]float64)
	}
	p.changes[agentID] = newScore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store agents.Store, id string, owner string, ageDays int, ratings []int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertAgent(ctx, &agents.Agent{
		IdentityID:   id,
		ChainID:      84532,
		OwnerAddress: owner,
		MetadataURI:  "https://a.example/" + id + ".json",
		RegisteredAt: time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour),
	}))
	for i, r := range ratings {
		_, err := store.InsertEvent(ctx, &agents.ReputationEvent{
			AgentID:  id,
			ChainID:  84532,
			Reviewer: fmt.Sprintf("0xreviewer%02d", i),
			Rating:   r,
			TxHash:   fmt.Sprintf("0x%s-%d", id, i),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestCycleWritesScoresAndRanks(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()

	seed(t, store, "1", "0xowner1", 400, repeat(90, 30))
	seed(t, store, "2", "0xowner2", 200, repeat(60, 10))
	seed(t, store, "3", "0xowner3", 100, nil) // no feedback

	pub := &recordingPublisher{}
	w := New(store, pub, time.Minute, discardLogger())
	require.NoError(t, w.Cycle(ctx))

	a1, err := store.GetAgent(ctx, "1")
	require.NoError(t, err)
	a2, err := store.GetAgent(ctx, "2")
	require.NoError(t, err)
	a3, err := store.GetAgent(ctx, "3")
	require.NoError(t, err)

	assert.Greater(t, a1.CompositeScore, a2.CompositeScore)
	assert.Greater(t, a2.CompositeScore, a3.CompositeScore)
	assert.Equal(t, 30, a1.FeedbackCount)
	assert.InDelta(t, 90, a1.AverageRating, 0.001)

	// Ranked agents get consecutive ranks; the feedback-less one stays out.
	assert.Equal(t, 1, a1.Rank)
	assert.Equal(t, 2, a2.Rank)
	assert.Equal(t, 0, a3.Rank)
	assert.Equal(t, scoring.TierUnranked, a3.Tier)

	// Score changes were published for every agent that moved.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Contains(t, pub.changes, "1")
	assert.Contains(t, pub.changes, "2")
}

func TestCycleWritesDailySnapshots(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	seed(t, store, "5", "0xowner", 100, repeat(80, 8))

	w := New(store, nil, time.Minute, discardLogger())
	require.NoError(t, w.Cycle(ctx))
	// Rerun the same day: still one snapshot, updated in place.
	require.NoError(t, w.Cycle(ctx))

	snaps, err := store.ListSnapshots(ctx, "5", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 8, snaps[0].FeedbackCount)
}

func TestCycleIsStableOnRerun(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	seed(t, store, "7", "0xowner", 150, repeat(75, 12))

	w := New(store, nil, time.Minute, discardLogger())
	require.NoError(t, w.Cycle(ctx))
	first, err := store.GetAgent(ctx, "7")
	require.NoError(t, err)

	require.NoError(t, w.Cycle(ctx))
	second, err := store.GetAgent(ctx, "7")
	require.NoError(t, err)

	// Deployer quality feeds back from the stored score, so allow a small
	// drift on the second pass but no sign change or tier jump.
	assert.InDelta(t, first.CompositeScore, second.CompositeScore, 2.5)
	assert.Equal(t, first.Tier, second.Tier)
}

func TestValidationRateFeedsScore(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	seed(t, store, "8", "0xowner", 100, repeat(70, 10))
	seed(t, store, "9", "0xother", 100, repeat(70, 10))

	// Agent 8: two responded validations, both valid.
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("val-%d", i)
		require.NoError(t, store.UpsertValidationRequest(ctx, &agents.Validation{
			ValidationID: id, AgentID: "8", ChainID: 84532,
			Requester: "0xreq", TxHash: "0xv" + id, RequestedAt: time.Now(),
		}))
		require.NoError(t, store.CompleteValidation(ctx, id, "0xval", true, time.Now()))
	}

	w := New(store, nil, time.Minute, discardLogger())
	require.NoError(t, w.Cycle(ctx))

	validated, err := store.GetAgent(ctx, "8")
	require.NoError(t, err)
	unvalidated, err := store.GetAgent(ctx, "9")
	require.NoError(t, err)

	require.NotNil(t, validated.ValidationRate)
	assert.InDelta(t, 1.0, *validated.ValidationRate, 0.001)
	assert.Nil(t, unvalidated.ValidationRate)
	assert.Greater(t, validated.CompositeScore, unvalidated.CompositeScore)
}

func TestLeaderboardRebuilt(t *testing.T) {
	store := agents.NewMemoryStore()
	ctx := context.Background()
	seed(t, store, "1", "0xowner1", 400, repeat(95, 30))
	seed(t, store, "2", "0xowner2", 400, repeat(50, 30))

	w := New(store, nil, time.Minute, discardLogger())
	assert.Empty(t, w.Leaderboard(10))

	require.NoError(t, w.Cycle(ctx))

	top := w.Leaderboard(10)
	require.Len(t, top, 2)
	assert.Equal(t, "1", top[0].IdentityID)
}

func repeat(rating, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rating
	}
	return out
}
