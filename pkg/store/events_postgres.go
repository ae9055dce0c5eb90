package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresEventStore persists the event log in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Migrate creates the events table if missing.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS viral_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		cohort TEXT NOT NULL,
		referred BOOLEAN NOT NULL DEFAULT FALSE,
		loop_id TEXT NOT NULL DEFAULT '',
		invite_code TEXT NOT NULL DEFAULT '',
		metadata JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_viral_events_cohort ON viral_events(cohort, ts);
	CREATE INDEX IF NOT EXISTS idx_viral_events_loop ON viral_events(loop_id, ts);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate viral_events: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) Append(ctx context.Context, e contracts.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO viral_events (
		id, event_type, user_id, ts, cohort, referred, loop_id, invite_code, metadata
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.UserID, e.Timestamp.UTC(), e.Metadata.Cohort,
		e.Metadata.Referred, e.Metadata.LoopID, e.Metadata.InviteCode, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) List(ctx context.Context, f EventFilter) ([]contracts.Event, error) {
	query, args := buildEventQuery("viral_events", f,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t.UTC() },
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		var (
			id, eventType, userID, cohort, loopID, inviteCode string
			ts                                                 time.Time
			referred                                           bool
			meta                                               []byte
		)
		if err := rows.Scan(&id, &eventType, &userID, &ts, &cohort, &referred, &loopID, &inviteCode, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := decodeEvent(id, eventType, userID, ts, meta)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *PostgresEventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM viral_events WHERE ts < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
