package scanner

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Checkpoint is the durable cursor for one (chain, stream) pair.
// RowsWritten counts rows this stream has ever persisted; the self-heal
// rule keys off it instead of inferring intent from an empty table.
type Checkpoint struct {
	Chain       string
	Stream      string
	LastBlock   uint64
	RowsWritten uint64
	UpdatedAt   time.Time
}

// CheckpointStore persists scan cursors.
type CheckpointStore interface {
	// Get returns the checkpoint, or a zero-block checkpoint when absent.
	Get(ctx context.Context, chain, stream string) (Checkpoint, error)
	// Advance moves the cursor forward and accumulates written-row counts.
	Advance(ctx context.Context, chain, stream string, block uint64, rowsDelta int) error
	// Reset rewinds the cursor (self-heal only).
	Reset(ctx context.Context, chain, stream string, block uint64) error
}

// MemoryCheckpoints is an in-memory CheckpointStore for tests.
type MemoryCheckpoints struct {
	mu   sync.Mutex
	rows map[string]*Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{rows: make(map[string]*Checkpoint)}
}

func (m *MemoryCheckpoints) Get(ctx context.Context, chain, stream string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp, ok := m.rows[chain+"|"+stream]; ok {
		return *cp, nil
	}
	return Checkpoint{Chain: chain, Stream: stream}, nil
}

func (m *MemoryCheckpoints) Advance(ctx context.Context, chain, stream string, block uint64, rowsDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chain + "|" + stream
	cp, ok := m.rows[key]
	if !ok {
		cp = &Checkpoint{Chain: chain, Stream: stream}
		m.rows[key] = cp
	}
	if block > cp.LastBlock {
		cp.LastBlock = block
	}
	cp.RowsWritten += uint64(rowsDelta)
	cp.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryCheckpoints) Reset(ctx context.Context, chain, stream string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chain + "|" + stream
	cp, ok := m.rows[key]
	if !ok {
		cp = &Checkpoint{Chain: chain, Stream: stream}
		m.rows[key] = cp
	}
	cp.LastBlock = block
	cp.UpdatedAt = time.Now()
	return nil
}

// PostgresCheckpoints stores cursors in the indexer_checkpoints table.
type PostgresCheckpoints struct {
	db *sql.DB
}

func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

func (s *PostgresCheckpoints) Get(ctx context.Context, chain, stream string) (Checkpoint, error) {
	cp := Checkpoint{Chain: chain, Stream: stream}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_block, rows_written, updated_at
		FROM indexer_checkpoints
		WHERE chain = $1 AND stream = $2`, chain, stream).
		Scan(&cp.LastBlock, &cp.RowsWritten, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	return cp, err
}

func (s *PostgresCheckpoints) Advance(ctx context.Context, chain, stream string, block uint64, rowsDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoints (chain, stream, last_block, rows_written, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (chain, stream) DO UPDATE SET
			last_block   = GREATEST(indexer_checkpoints.last_block, EXCLUDED.last_block),
			rows_written = indexer_checkpoints.rows_written + EXCLUDED.rows_written,
			updated_at   = now()`,
		chain, stream, block, rowsDelta)
	return err
}

func (s *PostgresCheckpoints) Reset(ctx context.Context, chain, stream string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoints (chain, stream, last_block, rows_written, updated_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (chain, stream) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = now()`,
		chain, stream, block)
	return err
}
