// Package scanner pulls registry events off chain and turns them into
// store rows.
//
// One Scanner runs per chain. Each logical event stream (registrations,
// feedback, ...) keeps its own checkpoint, scans in fixed-size chunks up to
// the confirmation-safe head, and advances its checkpoint only after a chunk
// fully decodes and persists. Chunks retry with exponential backoff; retry
// exhaustion halts that one stream until the next cycle and leaves its
// checkpoint untouched.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainrep/oracle/internal/agents"
	"github.com/chainrep/oracle/internal/chain"
	"github.com/chainrep/oracle/internal/config"
	"github.com/chainrep/oracle/internal/metrics"
	"github.com/chainrep/oracle/internal/retry"
)

// Stream names, one checkpoint each per chain.
const (
	StreamRegistrations       = "registrations"
	StreamURIUpdates          = "uri_updates"
	StreamTransfers           = "transfers"
	StreamFeedback            = "feedback"
	StreamValidationRequests  = "validation_requests"
	StreamValidationResponses = "validation_responses"
)

const (
	// DefaultHealWindow is how far past the deploy block a checkpoint must
	// sit, with zero rows ever written, before self-heal rewinds it.
	DefaultHealWindow = 10000

	chunkRetryAttempts = 3
	chunkRetryBase     = 2 * time.Second
)

type stream struct {
	name      string
	kind      chain.Kind
	addresses []common.Address
}

// Scanner scans one chain's registries.
type Scanner struct {
	reader      chain.Reader
	cfg         config.ChainConfig
	store       agents.Store
	checkpoints CheckpointStore
	logger      *slog.Logger

	confirmationDepth uint64
	healWindow        uint64
	interval          time.Duration
	policy            retry.Policy
	streams           []stream

	stop chan struct{}
	done chan struct{}
}

// New creates a scanner for one chain.
func New(reader chain.Reader, cfg config.ChainConfig, store agents.Store, checkpoints CheckpointStore, confirmationDepth uint64, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		reader:            reader,
		cfg:               cfg,
		store:             store,
		checkpoints:       checkpoints,
		logger:            logger.With("chain", cfg.Name),
		confirmationDepth: confirmationDepth,
		healWindow:        DefaultHealWindow,
		interval:          interval,
		policy:            retry.Exponential(chunkRetryAttempts, chunkRetryBase),
		streams:           streamsFor(cfg),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// streamsFor maps configured registry addresses onto logical streams. The
// legacy registry, when present, emits registration/uri/feedback shapes of
// its own, so those streams watch both contracts.
func streamsFor(cfg config.ChainConfig) []stream {
	identity := common.HexToAddress(cfg.IdentityRegistry)
	identitySet := []common.Address{identity}
	feedbackSet := []common.Address{common.HexToAddress(cfg.ReputationRegistry)}
	if cfg.LegacyRegistry != "" {
		legacy := common.HexToAddress(cfg.LegacyRegistry)
		identitySet = append(identitySet, legacy)
		feedbackSet = append(feedbackSet, legacy)
	}

	streams := []stream{
		{StreamRegistrations, chain.KindRegistration, identitySet},
		{StreamURIUpdates, chain.KindURIUpdate, identitySet},
		{StreamTransfers, chain.KindTransfer, []common.Address{identity}},
		{StreamFeedback, chain.KindFeedback, feedbackSet},
	}
	if cfg.ValidationRegistry != "" {
		validation := []common.Address{common.HexToAddress(cfg.ValidationRegistry)}
		streams = append(streams,
			stream{StreamValidationRequests, chain.KindValidationRequest, validation},
			stream{StreamValidationResponses, chain.KindValidationResponse, validation},
		)
	}
	return streams
}

// Start begins the periodic scan loop.
func (s *Scanner) Start(ctx context.Context) {
	s.logger.Info("scanner started",
		"streams", len(s.streams),
		"chunkSize", s.cfg.ChunkSize,
		"interval", s.interval,
	)
	go s.loop(ctx)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (s *Scanner) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.ScanCycle(ctx)
		}
	}
}

// ScanCycle runs one pass over every stream. A failing stream is logged and
// skipped; the others still run.
func (s *Scanner) ScanCycle(ctx context.Context) {
	head, err := s.reader.CurrentBlock(ctx)
	if err != nil {
		s.logger.Error("scan cycle: head fetch failed", "error", err)
		return
	}
	if head <= s.confirmationDepth {
		return
	}
	safe := head - s.confirmationDepth

	for _, st := range s.streams {
		if err := s.scanStream(ctx, st, safe); err != nil {
			s.logger.Error("stream halted for this cycle",
				"stream", st.name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *Scanner) scanStream(ctx context.Context, st stream, safe uint64) error {
	cp, err := s.checkpoints.Get(ctx, s.cfg.Name, st.name)
	if err != nil {
		return fmt.Errorf("checkpoint read: %w", err)
	}

	// Self-heal: a cursor far past deployment that has never written a row
	// means an earlier decoder advanced state without persisting anything.
	// Rewind and rescan. A genuinely event-free range keeps its cursor,
	// because RowsWritten only stays zero until the first real row.
	if cp.RowsWritten == 0 && cp.LastBlock > s.cfg.DeployBlock+s.healWindow {
		s.logger.Warn("self-heal: rewinding checkpoint to deploy block",
			"stream", st.name, "from", cp.LastBlock, "to", s.cfg.DeployBlock)
		if err := s.checkpoints.Reset(ctx, s.cfg.Name, st.name, s.cfg.DeployBlock); err != nil {
			return fmt.Errorf("checkpoint reset: %w", err)
		}
		cp.LastBlock = s.cfg.DeployBlock
	}

	from := cp.LastBlock + 1
	if cp.LastBlock == 0 {
		from = s.cfg.DeployBlock
	}

	for from <= safe {
		to := from + s.cfg.ChunkSize - 1
		if to > safe {
			to = safe
		}

		rows, err := s.scanChunk(ctx, st, from, to)
		if err != nil {
			metrics.ScannerChunkFailures.WithLabelValues(st.name, s.cfg.Name).Inc()
			return fmt.Errorf("chunk [%d,%d]: %w", from, to, err)
		}

		if err := s.checkpoints.Advance(ctx, s.cfg.Name, st.name, to, rows); err != nil {
			return fmt.Errorf("checkpoint advance: %w", err)
		}
		metrics.ScannedBlocks.WithLabelValues(st.name, s.cfg.Name).Add(float64(to - from + 1))
		metrics.ScannedEvents.WithLabelValues(st.name, s.cfg.Name).Add(float64(rows))
		metrics.CheckpointBlock.WithLabelValues(st.name, s.cfg.Name).Set(float64(to))

		from = to + 1
	}
	return nil
}

// scanChunk fetches, decodes, and applies one block range, retrying
// transient failures. Returns the number of rows written.
func (s *Scanner) scanChunk(ctx context.Context, st stream, from, to uint64) (int, error) {
	var rows int
	err := s.policy.Do(ctx, func() error {
		logs, err := s.reader.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: st.addresses,
			Topics:    [][]common.Hash{chain.TopicsFor(st.kind)},
		})
		if err != nil {
			return err
		}

		rows = 0
		for _, lg := range logs {
			ev, err := chain.DecodeLog(s.cfg.ChainID, lg)
			if err != nil {
				// Undecodable logs are permanent; retrying won't fix them.
				s.logger.Warn("skipping undecodable log",
					"stream", st.name, "tx", lg.TxHash.Hex(), "error", err)
				continue
			}
			if ev == nil || ev.Kind != st.kind {
				continue
			}

			ts, err := s.reader.BlockTime(ctx, ev.BlockNumber)
			if err != nil {
				return fmt.Errorf("block time %d: %w", ev.BlockNumber, err)
			}
			ev.Timestamp = ts

			n, err := s.apply(ctx, ev)
			if err != nil {
				return err
			}
			rows += n
		}
		return nil
	})
	return rows, err
}

// apply writes one canonical event to the store and returns the number of
// new rows it produced (replays count zero).
func (s *Scanner) apply(ctx context.Context, ev *chain.Event) (int, error) {
	switch ev.Kind {
	case chain.KindRegistration:
		err := s.store.UpsertAgent(ctx, &agents.Agent{
			IdentityID:   ev.AgentID,
			ChainID:      ev.ChainID,
			OwnerAddress: ev.Owner,
			MetadataURI:  ev.URI,
			RegisteredAt: ev.Timestamp,
		})
		if err != nil {
			return 0, fmt.Errorf("upsert agent %s: %w", ev.AgentID, err)
		}
		return 1, nil

	case chain.KindURIUpdate:
		err := s.store.RecordURIChange(ctx, ev.AgentID, ev.URI)
		if errors.Is(err, agents.ErrNotFound) {
			// URI event scanned before the registration stream caught up.
			s.logger.Warn("uri update for unknown agent", "agent", ev.AgentID)
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("record uri change %s: %w", ev.AgentID, err)
		}
		return 1, nil

	case chain.KindTransfer:
		err := s.store.SetAgentOwner(ctx, ev.AgentID, ev.Owner)
		if errors.Is(err, agents.ErrNotFound) {
			s.logger.Warn("transfer for unknown agent", "agent", ev.AgentID)
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("set owner %s: %w", ev.AgentID, err)
		}
		return 1, nil

	case chain.KindFeedback:
		inserted, err := s.store.InsertEvent(ctx, &agents.ReputationEvent{
			AgentID:     ev.AgentID,
			ChainID:     ev.ChainID,
			Reviewer:    ev.Reviewer,
			Rating:      ev.Rating,
			TaskHash:    ev.TaskHash,
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
			Tags:        ev.Tags,
			CreatedAt:   ev.Timestamp,
		})
		if err != nil {
			return 0, fmt.Errorf("insert feedback %s: %w", ev.TxHash, err)
		}
		if inserted {
			return 1, nil
		}
		return 0, nil

	case chain.KindValidationRequest:
		err := s.store.UpsertValidationRequest(ctx, &agents.Validation{
			ValidationID: ev.ValidationID,
			AgentID:      ev.AgentID,
			ChainID:      ev.ChainID,
			TaskHash:     ev.TaskHash,
			Requester:    ev.Requester,
			TxHash:       ev.TxHash,
			BlockNumber:  ev.BlockNumber,
			RequestedAt:  ev.Timestamp,
		})
		if err != nil {
			return 0, fmt.Errorf("upsert validation %s: %w", ev.ValidationID, err)
		}
		return 1, nil

	case chain.KindValidationResponse:
		err := s.store.CompleteValidation(ctx, ev.ValidationID, ev.Validator, ev.IsValid, ev.Timestamp)
		if errors.Is(err, agents.ErrValidation) {
			// The request stream runs first each cycle, so this only happens
			// for ids outside our registries.
			s.logger.Warn("response for unknown validation", "validation", ev.ValidationID)
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("complete validation %s: %w", ev.ValidationID, err)
		}
		return 1, nil
	}
	return 0, nil
}
