package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/api"
	"github.com/Mindburn-Labs/kfactor/pkg/budget"
	"github.com/Mindburn-Labs/kfactor/pkg/config"
	"github.com/Mindburn-Labs/kfactor/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// pruner is implemented by the SQL event stores.
type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// storage is the durable side of the service: the event log, the reward
// budget ledgers and the idempotency cache.
type storage struct {
	events      store.EventStore
	budget      budget.Storage
	idempotency api.IdempotencyStorer
	pruner      pruner
	closers     []func() error
}

func (s *storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func eventBackend(cfg *config.Config) string {
	if cfg.EventBackend != "" {
		return cfg.EventBackend
	}
	if cfg.LiteMode() {
		return "sqlite"
	}
	return "postgres"
}

// openStorage connects the stores cfg asks for. Without DATABASE_URL the
// budget and idempotency stores stay in memory and events go to SQLite.
func openStorage(ctx context.Context, cfg *config.Config, policy *config.Policy) (*storage, error) {
	s := &storage{}
	var pg *sql.DB

	if cfg.LiteMode() {
		s.budget = budget.NewMemoryStorage()
		s.idempotency = api.NewIdempotencyStore(api.DefaultIdempotencyTTL)
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("DB ping failed: %w", err)
		}
		slog.Info("postgres connected")
		pg = db

		bs := budget.NewPostgresStorage(db)
		if err := bs.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to init budget ledger: %w", err)
		}
		s.budget = bs

		is := api.NewPostgresIdempotencyStore(db, api.DefaultIdempotencyTTL)
		if err := is.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to init idempotency store: %w", err)
		}
		s.idempotency = is
	}

	switch backend := eventBackend(cfg); backend {
	case "memory":
		s.events = store.NewMemoryEventStore(policy.Analytics.EventCapacity)
	case "sqlite":
		db, es, err := setupLiteMode(ctx, cfg.DataDir)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to setup lite mode: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.events, s.pruner = es, es
	case "postgres":
		if pg == nil {
			_ = s.Close()
			return nil, errors.New("postgres event backend requires DATABASE_URL")
		}
		es := store.NewPostgresEventStore(pg)
		if err := es.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to init event store: %w", err)
		}
		s.events, s.pruner = es, es
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown event backend %q", backend)
	}
	return s, nil
}

func setupLiteMode(ctx context.Context, dataDir string) (*sql.DB, *store.SQLiteEventStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kfactor.db")
	slog.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	events, err := store.NewSQLiteEventStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init sqlite event store: %w", err)
	}
	return db, events, nil
}
