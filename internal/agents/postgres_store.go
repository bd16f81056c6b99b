package agents

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
//
// Optional columns (reputation_events.tags, agents.category) are probed at
// construction; when a deployment runs an older schema the store writes
// without them instead of failing. This replaces the error-text matching the
// previous generation of the indexer used to detect schema drift.
type PostgresStore struct {
	db *sql.DB

	hasEventTags     bool
	hasAgentCategory bool
}

// NewPostgresStore creates a PostgreSQL-backed store and probes the schema
// for optional columns.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}

	var err error
	s.hasEventTags, err = s.columnExists(ctx, "reputation_events", "tags")
	if err != nil {
		return nil, fmt.Errorf("probe reputation_events.tags: %w", err)
	}
	s.hasAgentCategory, err = s.columnExists(ctx, "agents", "category")
	if err != nil {
		return nil, fmt.Errorf("probe agents.category: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)`
	var exists bool
	err := s.db.QueryRowContext(ctx, q, table, column).Scan(&exists)
	return exists, err
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

const agentColumns = `
	identity_id, chain_id, owner_address, metadata_uri, name, description,
	category, registered_at, composite_score, tier, feedback_count,
	average_rating, validation_rate, rank, category_rank, uri_change_count,
	liveness_score, last_screened_at, last_liveness_at, created_at, updated_at`

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if s.hasAgentCategory {
		const q = `
			INSERT INTO agents
				(identity_id, chain_id, owner_address, metadata_uri, name, description, category, registered_at, tier)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'unranked')
			ON CONFLICT (identity_id) DO UPDATE SET
				owner_address = EXCLUDED.owner_address,
				metadata_uri  = EXCLUDED.metadata_uri,
				name          = COALESCE(NULLIF(EXCLUDED.name, ''), agents.name),
				description   = COALESCE(NULLIF(EXCLUDED.description, ''), agents.description),
				category      = COALESCE(NULLIF(EXCLUDED.category, ''), agents.category),
				updated_at    = now()`
		_, err := s.db.ExecContext(ctx, q,
			a.IdentityID, a.ChainID, strings.ToLower(a.OwnerAddress), a.MetadataURI,
			a.Name, a.Description, a.Category, a.RegisteredAt)
		return err
	}

	// Degraded schema: no category column.
	const q = `
		INSERT INTO agents
			(identity_id, chain_id, owner_address, metadata_uri, name, description, registered_at, tier)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'unranked')
		ON CONFLICT (identity_id) DO UPDATE SET
			owner_address = EXCLUDED.owner_address,
			metadata_uri  = EXCLUDED.metadata_uri,
			name          = COALESCE(NULLIF(EXCLUDED.name, ''), agents.name),
			description   = COALESCE(NULLIF(EXCLUDED.description, ''), agents.description),
			updated_at    = now()`
	_, err := s.db.ExecContext(ctx, q,
		a.IdentityID, a.ChainID, strings.ToLower(a.OwnerAddress), a.MetadataURI,
		a.Name, a.Description, a.RegisteredAt)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, identityID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE identity_id = $1`, identityID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE composite_score >= $1 AND feedback_count >= $2`
	args := []interface{}{q.MinScore, q.MinFeedback}
	argIdx := 3

	if q.Category != "" {
		query += " AND category = $" + strconv.Itoa(argIdx)
		args = append(args, q.Category)
		argIdx++
	}
	if q.Tier != "" {
		query += " AND tier = $" + strconv.Itoa(argIdx)
		args = append(args, q.Tier)
		argIdx++
	}

	if q.OrderByRank {
		query += " ORDER BY CASE WHEN rank = 0 THEN 1 ELSE 0 END, rank ASC"
	} else {
		query += " ORDER BY composite_score DESC"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT $" + strconv.Itoa(argIdx) + " OFFSET $" + strconv.Itoa(argIdx+1)
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) ListAgentsPage(ctx context.Context, offset, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY identity_id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) ListAgentsByOwner(ctx context.Context, owner string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner_address = $1 ORDER BY identity_id`,
		strings.ToLower(owner))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

func (s *PostgresStore) SetAgentOwner(ctx context.Context, identityID, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET owner_address = $2, updated_at = now() WHERE identity_id = $1`,
		identityID, strings.ToLower(owner))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) RecordURIChange(ctx context.Context, identityID, newURI string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET metadata_uri = $2,
		    uri_change_count = uri_change_count + 1,
		    updated_at = now()
		WHERE identity_id = $1 AND metadata_uri IS DISTINCT FROM $2`,
		identityID, newURI)
	if err != nil {
		return err
	}
	// A no-op update (same URI) is not an error.
	_ = res
	return nil
}

func (s *PostgresStore) UpdateScores(ctx context.Context, updates []ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE agents SET
			composite_score = $2,
			tier            = $3,
			feedback_count  = $4,
			average_rating  = $5,
			validation_rate = $6,
			rank            = $7,
			category_rank   = $8,
			updated_at      = now()
		WHERE identity_id = $1`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.IdentityID, u.CompositeScore, u.Tier,
			u.FeedbackCount, u.AverageRating, u.ValidationRate, u.Rank, u.CategoryRank); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkScreened(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_screened_at = $2 WHERE identity_id = $1`, identityID, at)
	return err
}

func (s *PostgresStore) MarkLiveness(ctx context.Context, identityID string, at time.Time, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_liveness_at = $2, liveness_score = $3 WHERE identity_id = $1`,
		identityID, at, score)
	return err
}

// ---------------------------------------------------------------------------
// Reputation events
// ---------------------------------------------------------------------------

func (s *PostgresStore) InsertEvent(ctx context.Context, e *ReputationEvent) (bool, error) {
	if s.hasEventTags {
		const q = `
			INSERT INTO reputation_events
				(agent_id, chain_id, reviewer_address, rating, task_hash, tx_hash, block_number, tags, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (tx_hash) DO NOTHING`
		res, err := s.db.ExecContext(ctx, q,
			e.AgentID, e.ChainID, strings.ToLower(e.Reviewer), e.Rating,
			e.TaskHash, e.TxHash, e.BlockNumber, pq.Array(e.Tags), e.CreatedAt)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	// Degraded schema: no tags column.
	const q = `
		INSERT INTO reputation_events
			(agent_id, chain_id, reviewer_address, rating, task_hash, tx_hash, block_number, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tx_hash) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		e.AgentID, e.ChainID, strings.ToLower(e.Reviewer), e.Rating,
		e.TaskHash, e.TxHash, e.BlockNumber, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) eventColumns() string {
	cols := `id, agent_id, chain_id, reviewer_address, rating, task_hash, tx_hash, block_number, created_at`
	if s.hasEventTags {
		cols += `, tags`
	}
	return cols
}

func (s *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]*ReputationEvent, error) {
	query := `SELECT ` + s.eventColumns() + ` FROM reputation_events WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if q.AgentID != "" {
		query += " AND agent_id = $" + strconv.Itoa(argIdx)
		args = append(args, q.AgentID)
		argIdx++
	}
	if q.Reviewer != "" {
		query += " AND reviewer_address = $" + strconv.Itoa(argIdx)
		args = append(args, strings.ToLower(q.Reviewer))
		argIdx++
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.Since)
		argIdx++
	}

	query += " ORDER BY id DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " LIMIT $" + strconv.Itoa(argIdx) + " OFFSET $" + strconv.Itoa(argIdx+1)
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return s.scanEvents(rows)
}

func (s *PostgresStore) ListEventsPage(ctx context.Context, offset, limit int) ([]*ReputationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+s.eventColumns()+` FROM reputation_events ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return s.scanEvents(rows)
}

func (s *PostgresStore) CountEvents(ctx context.Context, agentID string) (int, error) {
	var n int
	var err error
	if agentID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reputation_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reputation_events WHERE agent_id = $1`, agentID).Scan(&n)
	}
	return n, err
}

// ---------------------------------------------------------------------------
// Validations
// ---------------------------------------------------------------------------

func (s *PostgresStore) UpsertValidationRequest(ctx context.Context, v *Validation) error {
	const q = `
		INSERT INTO validations
			(validation_id, agent_id, chain_id, task_hash, requester, tx_hash, block_number, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (validation_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q,
		v.ValidationID, v.AgentID, v.ChainID, v.TaskHash,
		strings.ToLower(v.Requester), v.TxHash, v.BlockNumber, v.RequestedAt)
	return err
}

func (s *PostgresStore) CompleteValidation(ctx context.Context, validationID, validator string, isValid bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validations
		SET validator = $2, is_valid = $3, responded_at = $4
		WHERE validation_id = $1`,
		validationID, strings.ToLower(validator), isValid, at)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrValidation
	}
	return nil
}

func (s *PostgresStore) ListValidations(ctx context.Context, agentID string) ([]*Validation, error) {
	// Empty agentID lists everything (the rescore cycle aggregates globally).
	rows, err := s.db.QueryContext(ctx, `
		SELECT validation_id, agent_id, chain_id, task_hash, requester, validator,
		       is_valid, tx_hash, block_number, requested_at, responded_at
		FROM validations
		WHERE $1 = '' OR agent_id = $1
		ORDER BY requested_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Validation
	for rows.Next() {
		v := &Validation{}
		if err := rows.Scan(&v.ValidationID, &v.AgentID, &v.ChainID, &v.TaskHash,
			&v.Requester, &v.Validator, &v.IsValid, &v.TxHash, &v.BlockNumber,
			&v.RequestedAt, &v.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Score history
// ---------------------------------------------------------------------------

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	const q = `
		INSERT INTO score_snapshots
			(agent_id, date, score, average_rating, feedback_count, validation_rate)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id, date) DO UPDATE SET
			score           = EXCLUDED.score,
			average_rating  = EXCLUDED.average_rating,
			feedback_count  = EXCLUDED.feedback_count,
			validation_rate = EXCLUDED.validation_rate`
	_, err := s.db.ExecContext(ctx, q,
		snap.AgentID, snap.Date.UTC().Truncate(24*time.Hour), snap.Score,
		snap.AverageRating, snap.FeedbackCount, snap.ValidationRate)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, agentID string, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, date, score, average_rating, feedback_count, validation_rate, created_at
		FROM score_snapshots
		WHERE agent_id = $1
		ORDER BY date DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		sn := &Snapshot{}
		if err := rows.Scan(&sn.ID, &sn.AgentID, &sn.Date, &sn.Score,
			&sn.AverageRating, &sn.FeedbackCount, &sn.ValidationRate, &sn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Screenings and alerts
// ---------------------------------------------------------------------------

func (s *PostgresStore) InsertScreening(ctx context.Context, sc *Screening) error {
	const q = `
		INSERT INTO screenings (id, agent_id, risk_level, flags, screened_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := s.db.ExecContext(ctx, q, sc.ID, sc.AgentID, sc.RiskLevel, pq.Array(sc.Flags), sc.ScreenedAt)
	return err
}

func (s *PostgresStore) LatestScreening(ctx context.Context, agentID string) (*Screening, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, risk_level, flags, screened_at
		FROM screenings
		WHERE agent_id = $1
		ORDER BY screened_at DESC
		LIMIT 1`, agentID)

	sc := &Screening{}
	err := row.Scan(&sc.ID, &sc.AgentID, &sc.RiskLevel, pq.Array(&sc.Flags), &sc.ScreenedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *PostgresStore) ListUnscreened(ctx context.Context, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE last_screened_at IS NULL
		ORDER BY feedback_count DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) ListScreenedBefore(ctx context.Context, before time.Time, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE last_screened_at IS NOT NULL AND last_screened_at < $1
		ORDER BY last_screened_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) ListLivenessDue(ctx context.Context, before time.Time, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE (metadata_uri LIKE 'http://%' OR metadata_uri LIKE 'https://%')
		  AND (last_liveness_at IS NULL OR last_liveness_at < $1)
		ORDER BY identity_id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgents(rows)
}

func (s *PostgresStore) CountScreeningsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM screenings WHERE screened_at > $1`, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *Alert) error {
	const q = `
		INSERT INTO alerts (id, agent_id, type, severity, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.AgentID, a.Type, a.Severity, a.Message, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListAlertsSince(ctx context.Context, since time.Time, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, severity, message, created_at
		FROM alerts
		WHERE created_at > $1
		ORDER BY created_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Type, &a.Severity, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAlertsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE created_at > $1`, since).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var description, category sql.NullString
	err := row.Scan(&a.IdentityID, &a.ChainID, &a.OwnerAddress, &a.MetadataURI,
		&a.Name, &description, &category, &a.RegisteredAt, &a.CompositeScore,
		&a.Tier, &a.FeedbackCount, &a.AverageRating, &a.ValidationRate,
		&a.Rank, &a.CategoryRank, &a.URIChangeCount, &a.LivenessScore,
		&a.LastScreenedAt, &a.LastLivenessAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Category = category.String
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanEvents(rows *sql.Rows) ([]*ReputationEvent, error) {
	var out []*ReputationEvent
	for rows.Next() {
		e := &ReputationEvent{}
		var taskHash sql.NullString
		dest := []interface{}{&e.ID, &e.AgentID, &e.ChainID, &e.Reviewer, &e.Rating,
			&taskHash, &e.TxHash, &e.BlockNumber, &e.CreatedAt}
		if s.hasEventTags {
			dest = append(dest, pq.Array(&e.Tags))
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		e.TaskHash = taskHash.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
