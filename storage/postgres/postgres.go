// Package postgres provides a PostgreSQL implementation of the
// paddlehook ledger and entity store. Ledger admission runs inside a
// transaction with SELECT FOR UPDATE so concurrent deliveries of the
// same event serialize on the row; entity writes are single upsert
// statements.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

// Storage implements paddlehook.Ledger and paddlehook.EntityStore
// using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the tables and indexes if they do not exist.
// Safe to call on every startup.
func (s *Storage) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id       TEXT PRIMARY KEY,
			event_type     TEXT NOT NULL DEFAULT '',
			occurred_at    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			lock_timestamp BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id          TEXT PRIMARY KEY,
			email       TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			custom_data JSONB,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS customers_user_id_idx ON customers (user_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id                   TEXT PRIMARY KEY,
			customer_id          TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT '',
			price_id             TEXT NOT NULL DEFAULT '',
			user_id              TEXT NOT NULL DEFAULT '',
			org_id               TEXT NOT NULL DEFAULT '',
			current_period_start TEXT NOT NULL DEFAULT '',
			current_period_end   TEXT NOT NULL DEFAULT '',
			canceled_at          TEXT NOT NULL DEFAULT '',
			paused_at            TEXT NOT NULL DEFAULT '',
			scheduled_change     JSONB,
			custom_data          JSONB,
			updated_at           TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS subscriptions_user_id_idx ON subscriptions (user_id)`,
		`CREATE INDEX IF NOT EXISTS subscriptions_org_id_idx ON subscriptions (org_id)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL DEFAULT '',
			customer_id     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			total           TEXT NOT NULL DEFAULT '',
			currency_code   TEXT NOT NULL DEFAULT '',
			billed_at       TEXT NOT NULL DEFAULT '',
			user_id         TEXT NOT NULL DEFAULT '',
			org_id          TEXT NOT NULL DEFAULT '',
			custom_data     JSONB,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_subscription_id_idx ON transactions (subscription_id)`,
		`CREATE INDEX IF NOT EXISTS transactions_user_id_idx ON transactions (user_id)`,
		`CREATE TABLE IF NOT EXISTS adjustments (
			id              TEXT PRIMARY KEY,
			transaction_id  TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			action          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			total_amount    TEXT NOT NULL DEFAULT '',
			currency_code   TEXT NOT NULL DEFAULT '',
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// AdmitEvent implements paddlehook.Ledger. The insert-or-lock runs in
// one transaction: ON CONFLICT DO NOTHING settles the race between
// first-time admissions, and SELECT FOR UPDATE serializes against a
// holder being promoted or released concurrently.
func (s *Storage) AdmitEvent(ctx context.Context, req *paddlehook.AdmitRequest) (paddlehook.AdmitResult, error) {
	if req == nil || req.EventID == "" {
		return "", fmt.Errorf("invalid admit request")
	}

	nowMs := req.Now.UnixMilli()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to begin transaction: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, occurred_at, status, lock_timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING`,
		req.EventID, string(req.EventType), req.OccurredAt, string(paddlehook.StatusProcessing), nowMs,
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to insert event: %w", paddlehook.ErrLedgerUnavailable, err)
	}

	result := paddlehook.AdmitAcquired
	if tag.RowsAffected() == 0 {
		var status string
		var lockTimestamp int64
		err := tx.QueryRow(ctx,
			`SELECT status, lock_timestamp FROM webhook_events WHERE event_id = $1 FOR UPDATE`,
			req.EventID).Scan(&status, &lockTimestamp)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Released between the insert attempt and the lock; the
				// sender's retry will take the fresh-insert path.
				return paddlehook.AdmitAlreadyDone, tx.Commit(ctx)
			}
			return "", fmt.Errorf("%w: failed to lock event row: %w", paddlehook.ErrLedgerUnavailable, err)
		}

		if paddlehook.EventStatus(status).Permanent() {
			return paddlehook.AdmitAlreadyDone, tx.Commit(ctx)
		}
		if nowMs-lockTimestamp <= req.LockTTL.Milliseconds() {
			return paddlehook.AdmitAlreadyDone, tx.Commit(ctx)
		}

		// Stale lock: take it over.
		_, err = tx.Exec(ctx,
			`UPDATE webhook_events
				SET event_type = $2, occurred_at = $3, status = $4, lock_timestamp = $5
				WHERE event_id = $1`,
			req.EventID, string(req.EventType), req.OccurredAt, string(paddlehook.StatusProcessing), nowMs,
		)
		if err != nil {
			return "", fmt.Errorf("%w: failed to take over stale lock: %w", paddlehook.ErrLedgerUnavailable, err)
		}
		result = paddlehook.AdmitAcquiredStale
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: failed to commit admission: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return result, nil
}

// MarkEventProcessed implements paddlehook.Ledger. The conditional
// upsert only overwrites provisional records; permanent records stay
// untouched and an absent record is created permanent.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, status paddlehook.EventStatus) error {
	if !status.Permanent() {
		return fmt.Errorf("status %q is not permanent", status)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, status, lock_timestamp)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO UPDATE SET
				status = EXCLUDED.status,
				lock_timestamp = EXCLUDED.lock_timestamp
			WHERE webhook_events.status = 'processing'`,
		eventID, string(status), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to mark event processed: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// ReleaseEvent implements paddlehook.Ledger.
func (s *Storage) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE event_id = $1 AND status = 'processing'`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to release event: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	return nil
}

// GetEventRecord implements paddlehook.Ledger.
func (s *Storage) GetEventRecord(ctx context.Context, eventID string) (*paddlehook.EventRecord, error) {
	var rec paddlehook.EventRecord
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, occurred_at, status, lock_timestamp
			FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&rec.EventID, (*string)(&rec.EventType), &rec.OccurredAt, &status, &rec.LockTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paddlehook.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get event record: %w", paddlehook.ErrLedgerUnavailable, err)
	}
	rec.Status = paddlehook.EventStatus(status)
	return &rec, nil
}

// InsertCustomer implements paddlehook.EntityStore.
func (s *Storage) InsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	customData, err := marshalJSON(c.CustomData)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO customers (id, email, name, status, user_id, custom_data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
			ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Email, c.Name, c.Status, c.UserID, customData, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

// UpsertCustomer implements paddlehook.EntityStore.
func (s *Storage) UpsertCustomer(ctx context.Context, c *paddlehook.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	customData, err := marshalJSON(c.CustomData)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO customers (id, email, name, status, user_id, custom_data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				user_id = EXCLUDED.user_id,
				custom_data = EXCLUDED.custom_data,
				updated_at = EXCLUDED.updated_at`,
		c.ID, c.Email, c.Name, c.Status, c.UserID, customData, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// GetSubscription implements paddlehook.EntityStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paddlehook.Subscription, error) {
	var sub paddlehook.Subscription
	var scheduledChange, customData []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, status, price_id, user_id, org_id,
				current_period_start, current_period_end, canceled_at, paused_at,
				scheduled_change, custom_data, updated_at
			FROM subscriptions WHERE id = $1`,
		id).Scan(
		&sub.ID, &sub.CustomerID, &sub.Status, &sub.PriceID, &sub.UserID, &sub.OrgID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CanceledAt, &sub.PausedAt,
		&scheduledChange, &customData, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if len(scheduledChange) > 0 {
		var sc paddlehook.ScheduledChange
		if err := json.Unmarshal(scheduledChange, &sc); err != nil {
			return nil, fmt.Errorf("failed to decode scheduled change: %w", err)
		}
		sub.ScheduledChange = &sc
	}
	if len(customData) > 0 {
		if err := json.Unmarshal(customData, &sub.CustomData); err != nil {
			return nil, fmt.Errorf("failed to decode custom data: %w", err)
		}
	}
	return &sub, nil
}

// InsertSubscription implements paddlehook.EntityStore.
func (s *Storage) InsertSubscription(ctx context.Context, sub *paddlehook.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	scheduledChange, err := marshalJSON(sub.ScheduledChange)
	if err != nil {
		return false, err
	}
	customData, err := marshalJSON(sub.CustomData)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, customer_id, status, price_id, user_id, org_id,
				current_period_start, current_period_end, canceled_at, paused_at,
				scheduled_change, custom_data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13)
			ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.CustomerID, sub.Status, sub.PriceID, sub.UserID, sub.OrgID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CanceledAt, sub.PausedAt,
		scheduledChange, customData, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PatchSubscription implements paddlehook.EntityStore. COALESCE keeps
// columns whose patch field is nil; a missing row patches zero rows,
// which is the required no-op.
func (s *Storage) PatchSubscription(ctx context.Context, id string, patch *paddlehook.SubscriptionPatch) error {
	if patch == nil {
		return fmt.Errorf("invalid patch")
	}

	var scheduledChange *string
	if patch.ScheduledChange != nil {
		encoded, err := marshalJSON(patch.ScheduledChange)
		if err != nil {
			return err
		}
		scheduledChange = encoded
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
			status = COALESCE($2, status),
			price_id = COALESCE($3, price_id),
			current_period_start = COALESCE($4, current_period_start),
			current_period_end = COALESCE($5, current_period_end),
			canceled_at = COALESCE($6, canceled_at),
			paused_at = COALESCE($7, paused_at),
			scheduled_change = CASE WHEN $9 THEN NULL ELSE COALESCE($8::jsonb, scheduled_change) END,
			updated_at = $10
		WHERE id = $1`,
		id, patch.Status, patch.PriceID, patch.CurrentPeriodStart, patch.CurrentPeriodEnd,
		patch.CanceledAt, patch.PausedAt, scheduledChange, patch.ClearScheduledChange, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to patch subscription: %w", err)
	}
	return nil
}

// UpsertTransaction implements paddlehook.EntityStore. Linkage
// identifiers already present on the row are preserved so a later
// update without custom_data cannot erase an established linkage.
func (s *Storage) UpsertTransaction(ctx context.Context, txn *paddlehook.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	customData, err := marshalJSON(txn.CustomData)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transactions (id, subscription_id, customer_id, status, total,
				currency_code, billed_at, user_id, org_id, custom_data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
			ON CONFLICT (id) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				customer_id = EXCLUDED.customer_id,
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				currency_code = EXCLUDED.currency_code,
				billed_at = EXCLUDED.billed_at,
				user_id = CASE WHEN transactions.user_id = '' THEN EXCLUDED.user_id ELSE transactions.user_id END,
				org_id = CASE WHEN transactions.org_id = '' THEN EXCLUDED.org_id ELSE transactions.org_id END,
				custom_data = EXCLUDED.custom_data,
				updated_at = EXCLUDED.updated_at`,
		txn.ID, txn.SubscriptionID, txn.CustomerID, txn.Status, txn.Total,
		txn.CurrencyCode, txn.BilledAt, txn.UserID, txn.OrgID, customData, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return nil
}

// ListTransactionsMissingLinkage implements paddlehook.EntityStore.
func (s *Storage) ListTransactionsMissingLinkage(ctx context.Context, subscriptionID string, limit int) ([]*paddlehook.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, customer_id, status, total, currency_code, billed_at, user_id, org_id, updated_at
			FROM transactions
			WHERE subscription_id = $1 AND user_id = '' AND org_id = ''
			ORDER BY id
			LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*paddlehook.Transaction
	for rows.Next() {
		var txn paddlehook.Transaction
		if err := rows.Scan(&txn.ID, &txn.SubscriptionID, &txn.CustomerID, &txn.Status,
			&txn.Total, &txn.CurrencyCode, &txn.BilledAt, &txn.UserID, &txn.OrgID, &txn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, &txn)
	}
	return txns, rows.Err()
}

// SetTransactionLinkage implements paddlehook.EntityStore.
func (s *Storage) SetTransactionLinkage(ctx context.Context, transactionID, userID, orgID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transactions SET
			user_id = CASE WHEN user_id = '' THEN $2 ELSE user_id END,
			org_id = CASE WHEN org_id = '' THEN $3 ELSE org_id END,
			updated_at = $4
		WHERE id = $1`,
		transactionID, userID, orgID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set transaction linkage: %w", err)
	}
	return nil
}

// UpsertAdjustment implements paddlehook.EntityStore.
func (s *Storage) UpsertAdjustment(ctx context.Context, adj *paddlehook.Adjustment) error {
	if adj == nil || adj.ID == "" {
		return fmt.Errorf("invalid adjustment")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO adjustments (id, transaction_id, subscription_id, action, status,
				total_amount, currency_code, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				transaction_id = EXCLUDED.transaction_id,
				subscription_id = EXCLUDED.subscription_id,
				action = EXCLUDED.action,
				status = EXCLUDED.status,
				total_amount = EXCLUDED.total_amount,
				currency_code = EXCLUDED.currency_code,
				updated_at = EXCLUDED.updated_at`,
		adj.ID, adj.TransactionID, adj.SubscriptionID, adj.Action, adj.Status,
		adj.TotalAmount, adj.CurrencyCode, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert adjustment: %w", err)
	}
	return nil
}

// Now implements paddlehook.TimeSource using database time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// marshalJSON encodes v for a jsonb parameter, mapping nil to SQL NULL.
func marshalJSON(v any) (*string, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if value == nil {
			return nil, nil
		}
	case *paddlehook.ScheduledChange:
		if value == nil {
			return nil, nil
		}
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	s := string(encoded)
	return &s, nil
}
