package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/kfactor/pkg/agent"
	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/api"
	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/budget"
	"github.com/Mindburn-Labs/kfactor/pkg/capabilities"
	"github.com/Mindburn-Labs/kfactor/pkg/config"
	"github.com/Mindburn-Labs/kfactor/pkg/content"
	"github.com/Mindburn-Labs/kfactor/pkg/executor"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/pipeline"
	"github.com/Mindburn-Labs/kfactor/pkg/ratelimit"
)

// Services is the wired growth engine.
type Services struct {
	Storage   *storage
	Links     *attribution.Service
	Analytics *analytics.Engine
	Agents    *agent.Layer
	Loops     *loops.Registry
	Executor  *executor.Executor
	Pipeline  *pipeline.Pipeline
	Limiter   *api.GlobalRateLimiter
	API       *api.Server

	redis *redis.Client
}

// Close releases the database and Redis connections.
func (s *Services) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Storage != nil {
		errs = append(errs, s.Storage.Close())
	}
	return errors.Join(errs...)
}

// Handler is the root HTTP handler.
func (s *Services) Handler() http.Handler {
	return s.API.Routes()
}

// checkSecrets refuses to run production without real signing secrets.
func checkSecrets(cfg *config.Config) error {
	if !cfg.IsProduction() {
		return nil
	}
	if strings.TrimSpace(cfg.LinkSecret) == "" {
		return errors.New("production mode requires LINK_SIGNING_SECRET")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("production mode requires JWT_SECRET")
	}
	return nil
}

func linkSecret(cfg *config.Config) ([]byte, error) {
	if s := strings.TrimSpace(cfg.LinkSecret); s != "" {
		return []byte(s), nil
	}
	slog.Warn("LINK_SIGNING_SECRET not set; using an ephemeral secret, links will not survive a restart")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate link secret: %w", err)
	}
	return secret, nil
}

// NewServices wires every subsystem. metrics and obs may be nil.
//
//nolint:gocyclo // Wiring is linear.
func NewServices(ctx context.Context, cfg *config.Config, policy *config.Policy, metrics *observability.Metrics, obs *observability.Provider) (*Services, error) {
	if err := checkSecrets(cfg); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.Noop()
	}
	svc := &Services{}

	st, err := openStorage(ctx, cfg, policy)
	if err != nil {
		return nil, err
	}
	svc.Storage = st

	// Links and limiter buckets live in Redis when configured so every
	// replica sees the same codes and velocity.
	var (
		linkStore  attribution.Store = attribution.NewMemoryStore()
		limitStore ratelimit.Store   = ratelimit.NewMemoryStore()
	)
	if cfg.RedisAddr != "" {
		svc.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		slog.Info("redis connected", "addr", cfg.RedisAddr)
		linkStore = attribution.NewRedisStore(svc.redis)
		limitStore = ratelimit.NewRedisStore(svc.redis)
	}

	secret, err := linkSecret(cfg)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	svc.Links, err = attribution.NewService(linkStore, attribution.Config{
		Host:        cfg.LinkHost,
		Secret:      secret,
		Environment: cfg.Environment,
		DefaultTTL:  policy.Links.DefaultTTL,
		LoopTTL:     policy.Links.LoopTTL,
	}, attribution.WithMetrics(metrics))
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	svc.Analytics = analytics.NewEngine(st.events,
		analytics.WithTarget(policy.Analytics.KFactorTarget),
		analytics.WithGuardrails(policy.Analytics.Guardrails),
		analytics.WithMetrics(metrics))

	svc.Loops, err = loops.NewDefaultRegistry(loops.Deps{Links: svc.Links})
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	svc.Agents = agent.New(policy.Agents, agent.WithMetrics(metrics), agent.WithProvider(obs))
	trustSafety, err := capabilities.NewTrustSafety(limitStore, policy.TrustSafety, svc.Analytics)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	set := &capabilities.Set{
		Orchestrator:    capabilities.NewOrchestrator(svc.Loops, policy.Orchestrator),
		Personalization: capabilities.NewPersonalization(),
		Experimentation: capabilities.NewExperimentation(svc.Analytics),
		Incentives:      capabilities.NewIncentives(budget.NewEnforcer(st.budget, policy.Budget), policy.RewardCosts),
		TrustSafety:     trustSafety,
		Advocacy:        capabilities.NewAdvocacy(),
	}
	if err := set.Register(svc.Agents); err != nil {
		_ = svc.Close()
		return nil, err
	}

	svc.Executor = executor.New(svc.Loops, svc.Agents, svc.Links, svc.Analytics,
		executor.WithMetrics(metrics), executor.WithProvider(obs))
	svc.Pipeline = pipeline.New(svc.Agents, svc.Executor,
		pipeline.WithSummarizer(content.Static{}), pipeline.WithProvider(obs))

	svc.Limiter = api.NewGlobalRateLimiter(policy.API.RateLimit)
	svc.API, err = api.NewServer(api.Deps{
		Triggers:    svc.Pipeline,
		Journey:     svc.Executor,
		Links:       svc.Links,
		Analytics:   svc.Analytics,
		Agents:      svc.Agents,
		Auth:        api.NewAuthenticator(api.AuthConfig{Secret: cfg.JWTSecret}),
		Limiter:     svc.Limiter,
		Idempotency: st.idempotency,
		Metrics:     metrics,
	})
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}
