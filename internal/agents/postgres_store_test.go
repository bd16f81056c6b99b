//go:build integration

package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/oracle/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store, err := NewPostgresStore(context.Background(), db)
	if err != nil {
		cleanup()
		t.Fatalf("new postgres store: %v", err)
	}
	return store, cleanup
}

func TestPostgresSchemaCapabilities(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	// The shipped migrations carry both optional columns.
	assert.True(t, store.hasEventTags)
	assert.True(t, store.hasAgentCategory)
}

func TestPostgresAgentRoundTrip(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	a := &Agent{
		IdentityID:   "1001",
		ChainID:      84532,
		OwnerAddress: "0xAbCd000000000000000000000000000000000001",
		MetadataURI:  "https://agents.example/1001.json",
		Name:         "translator",
		Category:     "language",
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.UpsertAgent(ctx, a))

	got, err := store.GetAgent(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", got.OwnerAddress)
	assert.Equal(t, "unranked", got.Tier)
	assert.Equal(t, "language", got.Category)

	// Replay with empty name must not blank the stored name.
	replay := *a
	replay.Name = ""
	require.NoError(t, store.UpsertAgent(ctx, &replay))
	got, err = store.GetAgent(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "translator", got.Name)

	_, err = store.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresEventDedup(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	e := &ReputationEvent{
		AgentID:     "1001",
		ChainID:     84532,
		Reviewer:    "0xReviewer",
		Rating:      85,
		TxHash:      "0xdedup",
		BlockNumber: 42,
		Tags:        []string{"speed", "accuracy"},
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := store.InsertEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, err := store.ListEvents(ctx, EventQuery{AgentID: "1001"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"speed", "accuracy"}, events[0].Tags)
	assert.Equal(t, "0xreviewer", events[0].Reviewer)
}

func TestPostgresScoreUpdateBatch(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.UpsertAgent(ctx, &Agent{
			IdentityID: id, ChainID: 84532,
			OwnerAddress: "0xowner", RegisteredAt: time.Now().UTC(),
		}))
	}

	rate := 0.9
	require.NoError(t, store.UpdateScores(ctx, []ScoreUpdate{
		{IdentityID: "1", CompositeScore: 88, Tier: "diamond", FeedbackCount: 40, AverageRating: 91, ValidationRate: &rate, Rank: 1},
		{IdentityID: "2", CompositeScore: 45, Tier: "silver", FeedbackCount: 5, AverageRating: 60, Rank: 2},
	}))

	got, err := store.GetAgent(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 88.0, got.CompositeScore)
	assert.Equal(t, "diamond", got.Tier)
	require.NotNil(t, got.ValidationRate)
	assert.InDelta(t, 0.9, *got.ValidationRate, 1e-9)

	got, err = store.GetAgent(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CompositeScore)
}

func TestPostgresValidationLifecycle(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	v := &Validation{
		ValidationID: "v-1", AgentID: "7", ChainID: 84532,
		Requester: "0xReq", TxHash: "0xv1", BlockNumber: 9,
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertValidationRequest(ctx, v))
	require.NoError(t, store.UpsertValidationRequest(ctx, v))

	require.NoError(t, store.CompleteValidation(ctx, "v-1", "0xVal", true, time.Now().UTC()))
	assert.Error(t, store.CompleteValidation(ctx, "v-nope", "0xVal", true, time.Now().UTC()))

	list, err := store.ListValidations(ctx, "7")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].IsValid)
	assert.True(t, *list[0].IsValid)
}

func TestPostgresScreeningQueues(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.UpsertAgent(ctx, &Agent{
		IdentityID: "50", ChainID: 84532, OwnerAddress: "0xowner",
		MetadataURI: "https://a.example/50.json", RegisteredAt: time.Now().UTC(),
	}))
	require.NoError(t, store.UpsertAgent(ctx, &Agent{
		IdentityID: "51", ChainID: 84532, OwnerAddress: "0xowner",
		MetadataURI: "ipfs://Qm51", RegisteredAt: time.Now().UTC(),
	}))

	unscreened, err := store.ListUnscreened(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unscreened, 2)

	now := time.Now().UTC()
	require.NoError(t, store.InsertScreening(ctx, &Screening{
		ID: "scr_a", AgentID: "50", RiskLevel: "CAUTION", Flags: []string{"new_agent"}, ScreenedAt: now,
	}))
	require.NoError(t, store.MarkScreened(ctx, "50", now))

	latest, err := store.LatestScreening(ctx, "50")
	require.NoError(t, err)
	assert.Equal(t, []string{"new_agent"}, latest.Flags)

	due, err := store.ListLivenessDue(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "50", due[0].IdentityID)
}
