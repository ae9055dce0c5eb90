package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/kfactor/pkg/api"
	"github.com/Mindburn-Labs/kfactor/pkg/config"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
)

const (
	shutdownTimeout    = 15 * time.Second
	visitorSweepPeriod = time.Minute
	maintenancePeriod  = time.Hour
)

// runServer serves the growth API until ctx is canceled.
func runServer(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	fmt.Fprintf(stdout, "%sK-Factor Growth Engine starting...%s\n", ColorBold+ColorBlue, ColorReset)

	logger := observability.SetupLogging(observability.LogConfig{
		Service:     "kfactor",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	obs := observability.Noop()
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.Environment = cfg.Environment
		oc.OTLPEndpoint = cfg.OTelEndpoint
		oc.Insecure = !cfg.IsProduction()
		if obs, err = observability.New(ctx, oc); err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		logger.Info("telemetry enabled", "endpoint", cfg.OTelEndpoint)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if cfg.LiteMode() {
		fmt.Fprintf(stdout, "ℹ️  DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
	}
	svc, err := NewServices(ctx, cfg, policy, observability.NewMetrics(), obs)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		fmt.Fprintf(stdout, "%s⚠️  JWT_SECRET not set: /v1 routes are unauthenticated.%s\n", ColorBold+ColorYellow, ColorReset)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ready", "addr", srv.Addr, "lite_mode", cfg.LiteMode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		svc.Limiter.Run(gctx, visitorSweepPeriod)
		return nil
	})
	g.Go(func() error {
		runMaintenance(gctx, svc.Storage, policy.Analytics.Retention, maintenancePeriod, logger)
		return nil
	})
	return g.Wait()
}

type cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// runMaintenance prunes events past retention and expired idempotency keys
// every period until ctx is done.
func runMaintenance(ctx context.Context, st *storage, retention, period time.Duration, logger *slog.Logger) {
	if mem, ok := st.idempotency.(*api.MemoryIdempotencyStore); ok {
		go mem.Run(ctx, period)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintain(ctx, st, retention, time.Now(), logger)
		}
	}
}

func maintain(ctx context.Context, st *storage, retention time.Duration, now time.Time, logger *slog.Logger) {
	if st.pruner != nil && retention > 0 {
		n, err := st.pruner.Prune(ctx, now.Add(-retention))
		if err != nil {
			logger.Warn("event_prune_failed", "error", err)
		} else if n > 0 {
			logger.Info("events_pruned", "count", n)
		}
	}
	if c, ok := st.idempotency.(cleaner); ok {
		if _, err := c.Cleanup(ctx); err != nil {
			logger.Warn("idempotency_cleanup_failed", "error", err)
		}
	}
}
