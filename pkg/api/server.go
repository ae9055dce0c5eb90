package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/kfactor/pkg/agent"
	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/executor"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/pipeline"
)

// TriggerHandler runs a trigger through trust & safety, allocation and loops.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, t *contracts.Trigger) *pipeline.Outcome
}

// Journey advances an invitee through join and first value moment.
type Journey interface {
	ProcessJoin(ctx context.Context, shortCode string, invitee contracts.Invitee) *executor.Result
	ProcessFVM(ctx context.Context, shortCode string, invitee contracts.Invitee) *executor.Result
}

// Links resolves attribution links for the redirect endpoint.
type Links interface {
	ResolveLink(ctx context.Context, shortCode string) (*attribution.Link, error)
	TrackClick(ctx context.Context, shortCode string, click attribution.Click) error
}

// Analytics is the read and feedback side of the event log.
type Analytics interface {
	Track(ctx context.Context, ev contracts.Event) error
	CalculateKFactor(ctx context.Context, cohort string, tr contracts.TimeRange) (*analytics.KFactorMetrics, error)
	GetLoopMetrics(ctx context.Context, loopID string, tr contracts.TimeRange) (*analytics.LoopMetrics, error)
	GetGuardrailMetrics(ctx context.Context, tr contracts.TimeRange) (*analytics.GuardrailMetrics, error)
	GetCohortAnalysis(ctx context.Context, cohort string, tr contracts.TimeRange) (*analytics.CohortAnalysis, error)
}

// AgentHealth reports capability agent health.
type AgentHealth interface {
	Health(ctx context.Context, name string) agent.HealthStatus
	HealthAll(ctx context.Context) []agent.HealthStatus
}

// Deps are the collaborators of the HTTP surface. Auth, Limiter, Idempotency
// and Metrics are optional.
type Deps struct {
	Triggers    TriggerHandler
	Journey     Journey
	Links       Links
	Analytics   Analytics
	Agents      AgentHealth
	Auth        *Authenticator
	Limiter     *GlobalRateLimiter
	Idempotency IdempotencyStorer
	Metrics     *observability.Metrics
}

// Server serves the growth API.
type Server struct {
	deps    Deps
	schemas *Schemas
	now     func() time.Time
	logger  *slog.Logger
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Triggers == nil || deps.Journey == nil || deps.Links == nil || deps.Analytics == nil || deps.Agents == nil {
		return nil, errors.New("api: triggers, journey, links, analytics and agents are required")
	}
	schemas, err := CompileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		deps:    deps,
		schemas: schemas,
		now:     time.Now,
		logger:  slog.Default().With("component", "api"),
	}, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Observe(s.deps.Metrics))
	r.Use(middleware.Recoverer)
	if s.deps.Limiter != nil {
		r.Use(s.deps.Limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteMethodNotAllowed(w)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.deps.Metrics.Handler())
	r.Get("/l/{shortCode}", s.handleRedirect)

	auth := s.deps.Auth
	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(w chi.Router) {
			w.Use(auth.Require(ScopeLoopsWrite))
			if s.deps.Idempotency != nil {
				w.Use(IdempotencyMiddleware(s.deps.Idempotency))
			}
			w.Post("/triggers", s.handleTrigger)
			w.Post("/joins", s.handleJoin)
			w.Post("/fvm", s.handleFVM)
		})
		v1.With(auth.Require(ScopeEventsWrite)).Post("/events", s.handleEvent)
		v1.Group(func(rd chi.Router) {
			rd.Use(auth.Require(ScopeAnalyticsRead))
			rd.Get("/analytics/kfactor", s.handleKFactor)
			rd.Get("/analytics/loops/{loopId}", s.handleLoopMetrics)
			rd.Get("/analytics/guardrails", s.handleGuardrails)
			rd.Get("/analytics/cohorts/{cohort}", s.handleCohort)
			rd.Get("/agents", s.handleAgents)
			rd.Get("/agents/{name}/health", s.handleAgentHealth)
		})
	})
	return r
}
