package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteEventStore persists the event log in SQLite (lite mode).
type SQLiteEventStore struct {
	db *sql.DB
}

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS viral_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		cohort TEXT NOT NULL,
		referred INTEGER NOT NULL DEFAULT 0,
		loop_id TEXT NOT NULL DEFAULT '',
		invite_code TEXT NOT NULL DEFAULT '',
		metadata JSON
	);
	CREATE INDEX IF NOT EXISTS idx_viral_events_cohort ON viral_events(cohort, ts);
	CREATE INDEX IF NOT EXISTS idx_viral_events_loop ON viral_events(loop_id, ts);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to migrate viral_events: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, e contracts.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO viral_events (
		id, event_type, user_id, ts, cohort, referred, loop_id, invite_code, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Type), e.UserID, e.Timestamp.UTC().UnixNano(), e.Metadata.Cohort,
		e.Metadata.Referred, e.Metadata.LoopID, e.Metadata.InviteCode, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) List(ctx context.Context, f EventFilter) ([]contracts.Event, error) {
	query, args := buildEventQuery("viral_events", f,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().UnixNano() },
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
			ts                                                 int64
			referred                                           bool
			meta                                               []byte
		)
		if err := rows.Scan(&id, &eventType, &userID, &ts, &cohort, &referred, &loopID, &inviteCode, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := decodeEvent(id, eventType, userID, time.Unix(0, ts), meta)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *SQLiteEventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM viral_events WHERE ts < ?", before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
