package onchain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainrep/oracle/internal/chain"
)

type fakeWriter struct {
	address   string
	balance   *big.Int
	owners    map[string]string
	submitErr error
	submits   int
}

func (f *fakeWriter) Address() string { return f.address }

func (f *fakeWriter) Balance(ctx context.Context) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeWriter) AgentOwner(ctx context.Context, agentID string) (string, error) {
	owner, ok := f.owners[agentID]
	if !ok {
		return "", chain.ErrNotRegistered
	}
	return owner, nil
}

func (f *fakeWriter) SubmitFeedback(ctx context.Context, agentID string, score int, comment string, tags []string) (string, error) {
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "0xtxhash", nil
}

func testBackend(w feedbackWriter) *Backend {
	return newBackend("base-sepolia", w, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fundedWriter() *fakeWriter {
	return &fakeWriter{
		address: "0xoracle",
		balance: new(big.Int).Mul(DefaultMinBalance, big.NewInt(10)),
		owners:  map[string]string{"1": "0xsomeowner"},
	}
}

func TestSubmitSucceeds(t *testing.T) {
	w := fundedWriter()
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "1", 85, "liveness check passed", []string{"uptime"})
	assert.True(t, found)
	assert.Equal(t, "0xtxhash", hash)
	assert.Equal(t, 1, w.submits)
}

func TestSubmitSkipsUnregisteredAgent(t *testing.T) {
	w := fundedWriter()
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "999", 85, "", nil)
	assert.False(t, found)
	assert.Empty(t, hash)
	assert.Zero(t, w.submits)
}

func TestSubmitSkipsSelfOwnedAgent(t *testing.T) {
	w := fundedWriter()
	w.owners["1"] = "0xOracle" // case differs from wallet address
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)
	assert.Zero(t, w.submits)
}

func TestLowBalanceTripsBreaker(t *testing.T) {
	w := fundedWriter()
	w.balance = big.NewInt(1)
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)
	assert.Zero(t, w.submits)

	// Breaker now rejects outright, before any chain calls.
	_, found = b.Submit(context.Background(), "1", 85, "", nil)
	assert.False(t, found)
}

func TestInsufficientFundsSendTripsBreaker(t *testing.T) {
	w := fundedWriter()
	w.submitErr = errors.New("insufficient funds for gas * price + value")
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)
	assert.Equal(t, 1, w.submits)

	_, found = b.Submit(context.Background(), "1", 85, "", nil)
	assert.False(t, found)
	assert.Equal(t, 1, w.submits)
}

func TestTransientSendErrorDoesNotTrip(t *testing.T) {
	w := fundedWriter()
	w.submitErr = errors.New("connection reset by peer")
	b := testBackend(w)

	hash, found := b.Submit(context.Background(), "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)

	// A single transient failure leaves the breaker closed.
	hash, found = b.Submit(context.Background(), "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)
	assert.Equal(t, 2, w.submits)
}

func TestSpacingHonorsContextCancel(t *testing.T) {
	w := fundedWriter()
	b := testBackend(w)
	b.lastTx = time.Now() // force a full 30s wait

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	hash, found := b.Submit(ctx, "1", 85, "", nil)
	assert.True(t, found)
	assert.Empty(t, hash)
	assert.Zero(t, w.submits)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitterStopsAtFirstChainHoldingAgent(t *testing.T) {
	first := fundedWriter()
	delete(first.owners, "1")
	second := fundedWriter()
	third := fundedWriter()

	s := NewSubmitter([]*Backend{
		testBackend(first), testBackend(second), testBackend(third),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	hash := s.SubmitFeedback(context.Background(), "1", 85, "", nil)
	assert.Equal(t, "0xtxhash", hash)
	assert.Zero(t, first.submits)
	assert.Equal(t, 1, second.submits)
	assert.Zero(t, third.submits)
}

func TestSubmitterUnknownAgentEverywhere(t *testing.T) {
	w := fundedWriter()
	delete(w.owners, "1")
	s := NewSubmitter([]*Backend{testBackend(w)}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Empty(t, s.SubmitFeedback(context.Background(), "1", 85, "", nil))
}
