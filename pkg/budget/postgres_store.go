package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the reward_ledgers and reward_commits tables if missing.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS reward_ledgers (
		ledger_key TEXT PRIMARY KEY,
		daily_used BIGINT NOT NULL DEFAULT 0,
		weekly_used BIGINT NOT NULL DEFAULT 0,
		monthly_used BIGINT NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reward_commits (
		commit_key TEXT PRIMARY KEY,
		receipt_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		rewards BIGINT NOT NULL,
		units BIGINT NOT NULL,
		reason TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate reward ledgers: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, key string) (*Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT ledger_key, daily_used, weekly_used, monthly_used, last_updated FROM reward_ledgers WHERE ledger_key = $1",
		key)

	var l Ledger
	err := row.Scan(&l.Key, &l.Daily, &l.Weekly, &l.Monthly, &l.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	return &l, nil
}

// Apply claims the commit key and upserts the ledgers in one transaction.
func (s *PostgresStorage) Apply(ctx context.Context, c *Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.Key != "" && c.Receipt != nil {
		r := c.Receipt
		res, err := tx.ExecContext(ctx, `
			INSERT INTO reward_commits (commit_key, receipt_id, user_id, rewards, units, reason, committed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (commit_key) DO NOTHING`,
			c.Key, r.ID, r.UserID, r.Rewards, r.Units, r.Reason, r.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to record commit %s: %w", c.Key, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrAlreadyCommitted
		}
	}

	for _, l := range c.Ledgers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reward_ledgers (ledger_key, daily_used, weekly_used, monthly_used, last_updated)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ledger_key) DO UPDATE SET
				daily_used = EXCLUDED.daily_used,
				weekly_used = EXCLUDED.weekly_used,
				monthly_used = EXCLUDED.monthly_used,
				last_updated = EXCLUDED.last_updated`,
			l.Key, l.Daily, l.Weekly, l.Monthly, l.LastUpdated.UTC())
		if err != nil {
			return fmt.Errorf("failed to persist ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledgers: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Committed(ctx context.Context, key string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT receipt_id, user_id, rewards, units, reason, committed_at FROM reward_commits WHERE commit_key = $1",
		key)

	r := Receipt{Action: "committed"}
	err := row.Scan(&r.ID, &r.UserID, &r.Rewards, &r.Units, &r.Reason, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	return &r, nil
}
