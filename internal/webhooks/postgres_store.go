package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions and deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, url, secret, events, agent_filter, min_score_delta,
	active, success_count, failure_count, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.Events), pq.Array(sub.AgentFilter),
		sub.MinScoreDelta, sub.Active, sub.SuccessCount, sub.FailureCount,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("webhooks: create subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions ORDER BY created_at`)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return p.list(ctx, `SELECT `+subColumns+` FROM webhook_subscriptions
		WHERE active = TRUE ORDER BY created_at`)
}

func (p *PostgresStore) list(ctx context.Context, query string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhooks: delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET `+col+` = `+col+` + 1, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhooks: record outcome: %w", err)
	}
	return nil
}

func (p *PostgresStore) InsertDelivery(ctx context.Context, d *Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(id, subscription_id, event, agent_id, payload, status, attempts,
			 response_code, last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.SubscriptionID, d.Event, d.AgentID, d.Payload, d.Status,
		d.Attempts, nullInt(d.ResponseCode), nullStr(d.LastError),
		d.CreatedAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("webhooks: insert delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, response_code = $4, last_error = $5,
			delivered_at = $6
		WHERE id = $1`,
		d.ID, d.Status, d.Attempts, nullInt(d.ResponseCode),
		nullStr(d.LastError), d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("webhooks: update delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, event, agent_id, payload, status, attempts,
			response_code, last_error, created_at, delivered_at
		FROM webhook_deliveries
		WHERE $1 = '' OR subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Delivery
	for rows.Next() {
		d := &Delivery{}
		var code sql.NullInt64
		var lastErr sql.NullString
		var delivered sql.NullTime
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.Event, &d.AgentID,
			&d.Payload, &d.Status, &d.Attempts, &code, &lastErr,
			&d.CreatedAt, &delivered); err != nil {
			return nil, fmt.Errorf("webhooks: scan delivery: %w", err)
		}
		d.ResponseCode = int(code.Int64)
		d.LastError = lastErr.String
		if delivered.Valid {
			t := delivered.Time
			d.DeliveredAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Secret,
		pq.Array(&sub.Events), pq.Array(&sub.AgentFilter), &sub.MinScoreDelta,
		&sub.Active, &sub.SuccessCount, &sub.FailureCount,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("webhooks: scan subscription: %w", err)
	}
	return sub, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
