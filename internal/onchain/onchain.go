// Package onchain submits screener verdicts back to chain registries.
//
// Failures here are always soft: callers get a transaction hash on
// success and an empty string on any failure or skip. A tripped breaker,
// an empty wallet, or an unknown agent must never break a screener cycle.
package onchain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/chainrep/oracle/internal/chain"
	"github.com/chainrep/oracle/internal/circuitbreaker"
	"github.com/chainrep/oracle/internal/metrics"
)

const (
	// minTxSpacing is the minimum gap between transactions on one chain.
	minTxSpacing = 30 * time.Second
	// breakerOpenFor is how long a funds-exhausted chain stays closed off.
	breakerOpenFor   = 5 * time.Minute
	breakerThreshold = 3
)

// DefaultMinBalance is the wallet buffer below which sends are refused:
// 0.001 native token.
var DefaultMinBalance = big.NewInt(1_000_000_000_000_000)

// feedbackWriter is the slice of chain.Writer the backend needs.
type feedbackWriter interface {
	Address() string
	Balance(ctx context.Context) (*big.Int, error)
	AgentOwner(ctx context.Context, agentID string) (string, error)
	SubmitFeedback(ctx context.Context, agentID string, score int, comment string, tags []string) (string, error)
}

// Backend writes feedback to one chain.
type Backend struct {
	name       string
	writer     feedbackWriter
	breaker    *circuitbreaker.Breaker
	minBalance *big.Int
	logger     *slog.Logger

	mu     sync.Mutex
	lastTx time.Time
}

// NewBackend creates a per-chain backend around w.
func NewBackend(name string, w *chain.Writer, logger *slog.Logger) *Backend {
	return newBackend(name, w, logger)
}

func newBackend(name string, w feedbackWriter, logger *slog.Logger) *Backend {
	return &Backend{
		name:       name,
		writer:     w,
		breaker:    circuitbreaker.New(breakerThreshold, breakerOpenFor),
		minBalance: DefaultMinBalance,
		logger:     logger,
	}
}

// Submit sends one feedback transaction. It returns the transaction hash
// on success and "" on any failure or skip; found reports whether the
// agent exists on this chain at all, so a facade can stop probing others.
func (b *Backend) Submit(ctx context.Context, agentID string, score int, comment string, tags []string) (hash string, found bool) {
	if !b.breaker.Allow(b.name) {
		b.logger.Debug("onchain submit skipped, breaker open", "chain", b.name, "agent", agentID)
		metrics.OnchainSubmissions.WithLabelValues(b.name, "breaker_open").Inc()
		return "", false
	}

	owner, err := b.writer.AgentOwner(ctx, agentID)
	if err != nil {
		if errors.Is(err, chain.ErrNotRegistered) {
			return "", false
		}
		b.breaker.RecordFailure(b.name)
		b.logger.Warn("onchain owner lookup failed", "chain", b.name, "agent", agentID, "error", err)
		metrics.OnchainSubmissions.WithLabelValues(b.name, "error").Inc()
		return "", false
	}
	// Never rate our own wallet's agents.
	if strings.EqualFold(owner, b.writer.Address()) {
		return "", true
	}

	balance, err := b.writer.Balance(ctx)
	if err != nil {
		b.breaker.RecordFailure(b.name)
		b.logger.Warn("onchain balance check failed", "chain", b.name, "error", err)
		metrics.OnchainSubmissions.WithLabelValues(b.name, "error").Inc()
		return "", true
	}
	if balance.Cmp(b.minBalance) < 0 {
		b.breaker.Trip(b.name)
		b.logger.Warn("onchain wallet below minimum balance, breaker tripped",
			"chain", b.name, "balance", balance.String())
		metrics.OnchainSubmissions.WithLabelValues(b.name, "funds_exhausted").Inc()
		return "", true
	}

	if err := b.waitSpacing(ctx); err != nil {
		return "", true
	}

	txHash, err := b.writer.SubmitFeedback(ctx, agentID, score, comment, tags)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			b.breaker.Trip(b.name)
			metrics.OnchainSubmissions.WithLabelValues(b.name, "funds_exhausted").Inc()
		} else {
			b.breaker.RecordFailure(b.name)
			metrics.OnchainSubmissions.WithLabelValues(b.name, "error").Inc()
		}
		b.logger.Warn("onchain feedback failed", "chain", b.name, "agent", agentID, "error", err)
		return "", true
	}

	b.breaker.RecordSuccess(b.name)
	b.mu.Lock()
	b.lastTx = time.Now()
	b.mu.Unlock()
	metrics.OnchainSubmissions.WithLabelValues(b.name, "success").Inc()
	b.logger.Info("onchain feedback submitted", "chain", b.name, "agent", agentID, "tx", txHash)
	return txHash, true
}

// waitSpacing blocks the caller until minTxSpacing has passed since this
// chain's previous transaction. Only the calling job waits.
func (b *Backend) waitSpacing(ctx context.Context) error {
	b.mu.Lock()
	wait := minTxSpacing - time.Since(b.lastTx)
	b.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Submitter tries chains in priority order, stopping at the first chain
// that knows the agent.
type Submitter struct {
	backends []*Backend // priority order
	logger   *slog.Logger
}

// NewSubmitter creates a multi-chain facade. backends must already be in
// priority order.
func NewSubmitter(backends []*Backend, logger *slog.Logger) *Submitter {
	return &Submitter{backends: backends, logger: logger}
}

// SubmitFeedback writes one verdict, returning the transaction hash or "".
func (s *Submitter) SubmitFeedback(ctx context.Context, agentID string, score int, comment string, tags []string) string {
	for _, b := range s.backends {
		hash, found := b.Submit(ctx, agentID, score, comment, tags)
		if found {
			return hash
		}
	}
	s.logger.Debug("agent not found on any chain", "agent", agentID)
	return ""
}
