// Package agent routes requests to capability agents with bounded retries,
// a per-attempt timeout race and a per-agent circuit breaker.
//
// Call never returns a Go error and never panics on behalf of a handler:
// every outcome is a structured *contracts.AgentResponse. When an agent is
// unavailable the response is a fallback with Success=false and an
// AGENT_UNAVAILABLE error.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/util/resiliency"
)

// Handler is a capability agent.
type Handler interface {
	Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error)

func (f HandlerFunc) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return f(ctx, req)
}

// HealthChecker is implemented by handlers that expose a liveness probe.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Config tunes the call layer.
type Config struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		RetryDelay:       time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// ErrAttemptTimeout is reported when a handler does not answer within Config.Timeout.
var ErrAttemptTimeout = errors.New("agent: attempt timed out")

// HealthStatus combines the breaker state with the handler's own probe.
type HealthStatus struct {
	Agent               string           `json:"agent"`
	Exists              bool             `json:"exists"`
	Healthy             bool             `json:"healthy"`
	CircuitBreakerState resiliency.State `json:"circuitBreakerState,omitempty"`
}

type registration struct {
	handler Handler
	breaker *resiliency.CircuitBreaker
}

// Layer is the agent communication layer.
type Layer struct {
	mu     sync.RWMutex
	agents map[string]*registration

	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	metrics *observability.Metrics
	obs     *observability.Provider
}

// Option customises a Layer.
type Option func(*Layer)

// WithClock injects the time source used by breakers and latency accounting.
func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// WithSleep injects the retry backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Layer) { l.sleep = sleep }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(l *Layer) { l.metrics = m }
}

func WithProvider(p *observability.Provider) Option {
	return func(l *Layer) { l.obs = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

// New creates a call layer. A zero Timeout, FailureThreshold or Cooldown falls
// back to DefaultConfig; MaxRetries and RetryDelay are taken as given.
func New(cfg Config, opts ...Option) *Layer {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	l := &Layer{
		agents: make(map[string]*registration),
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "agent_layer"),
		obs:    observability.Noop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Layer) Config() Config { return l.cfg }

// Register stores the handler under name and gives it a fresh closed breaker.
// Registering an existing name replaces the handler and resets its breaker.
func (l *Layer) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if h == nil {
		return fmt.Errorf("agent: handler for %q is nil", name)
	}

	cb := resiliency.NewCircuitBreaker(name, l.cfg.FailureThreshold, l.cfg.Cooldown,
		resiliency.WithClock(l.now),
		resiliency.WithTransitionHook(l.onTransition),
	)

	l.mu.Lock()
	l.agents[name] = &registration{handler: h, breaker: cb}
	l.mu.Unlock()

	l.metrics.SetBreakerState(name, string(resiliency.StateClosed))
	return nil
}

// Agents lists registered agent names, sorted.
func (l *Layer) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.agents))
	for name := range l.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Breaker returns a snapshot of the named agent's breaker.
func (l *Layer) Breaker(name string) (resiliency.Snapshot, bool) {
	reg := l.lookup(name)
	if reg == nil {
		return resiliency.Snapshot{}, false
	}
	return reg.breaker.Snapshot(), true
}

// Call routes req to the named agent.
func (l *Layer) Call(ctx context.Context, name string, req *contracts.AgentRequest) *contracts.AgentResponse {
	start := l.now()
	if req == nil {
		return &contracts.AgentResponse{
			Timestamp: start.UTC(),
			Rationale: "agent request is required",
			Error:     contracts.NewError(contracts.CodeValidation, "agent request is required"),
		}
	}
	if req.AgentID == "" {
		req.AgentID = name
	}

	ctx, finish := l.obs.TrackOperation(ctx, "agent.call", observability.AgentCall(name, req.Action)...)

	resp, outcome := l.call(ctx, name, req)
	resp.LatencyMs = l.now().Sub(start).Milliseconds()

	l.metrics.ObserveAgentCall(name, outcome, l.now().Sub(start))
	if outcome == outcomeFallback || outcome == outcomeRejected {
		finish(resp.Error)
	} else {
		finish(nil)
	}
	return resp
}

const (
	outcomeSuccess  = "success"
	outcomeDecline  = "decline"
	outcomeFallback = "fallback"
	outcomeRejected = "rejected"
)

func (l *Layer) call(ctx context.Context, name string, req *contracts.AgentRequest) (*contracts.AgentResponse, string) {
	reg := l.lookup(name)
	if reg == nil {
		return l.fallback(req, fmt.Sprintf("agent %s is not registered", name)), outcomeFallback
	}

	permit := reg.breaker.Acquire()
	if permit == resiliency.Rejected {
		reason := fmt.Sprintf("circuit open for agent %s, retry in %s", name, reg.breaker.RetryAfter().Round(time.Second))
		l.logger.WarnContext(ctx, "agent_call_rejected", "agent", name, "action", req.Action, "request_id", req.RequestID)
		return l.fallback(req, reason), outcomeRejected
	}

	attempts := l.cfg.MaxRetries + 1
	if permit == resiliency.Trial {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := l.attempt(ctx, reg.handler, req)
		switch {
		case err == nil && resp.Success:
			reg.breaker.Success()
			return resp, outcomeSuccess
		case err == nil && resp.Error != nil:
			// Business decline. The agent answered, so the breaker resets and
			// the call is not retried.
			reg.breaker.Success()
			return resp, outcomeDecline
		case err == nil:
			lastErr = fmt.Errorf("agent %s returned success=false without an error", name)
		default:
			lastErr = err
		}

		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the agent.
			reg.breaker.Release()
			return l.fallback(req, fmt.Sprintf("call to %s canceled: %v", name, ctx.Err())), outcomeFallback
		}

		l.logger.DebugContext(ctx, "agent_call_attempt_failed",
			"agent", name, "action", req.Action, "attempt", attempt, "error", lastErr)

		if attempt < attempts {
			if err := l.sleep(ctx, l.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				reg.breaker.Release()
				return l.fallback(req, fmt.Sprintf("call to %s canceled: %v", name, err)), outcomeFallback
			}
		}
	}

	reg.breaker.Failure()
	l.logger.WarnContext(ctx, "agent_call_fallback",
		"agent", name, "action", req.Action, "request_id", req.RequestID, "attempts", attempts, "error", lastErr)
	return l.fallback(req, fmt.Sprintf("agent %s unavailable after %d attempt(s): %v", name, attempts, lastErr)), outcomeFallback
}

type attemptResult struct {
	resp *contracts.AgentResponse
	err  error
}

// attempt races one handler invocation against the timeout. The handler keeps
// the caller's context, so a fired timer does not cancel it; its late result
// lands in the buffered channel and is dropped.
func (l *Layer) attempt(ctx context.Context, h Handler, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	results := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("agent_handler_panic", "agent", req.AgentID, "panic", r, "stack", string(debug.Stack()))
				results <- attemptResult{err: fmt.Errorf("agent %s panicked: %v", req.AgentID, r)}
			}
		}()
		resp, err := h.Handle(ctx, req)
		if err == nil && resp == nil {
			err = fmt.Errorf("agent %s returned no response", req.AgentID)
		}
		results <- attemptResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(l.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.resp, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, l.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health reports whether the agent exists and is currently callable.
func (l *Layer) Health(ctx context.Context, name string) HealthStatus {
	reg := l.lookup(name)
	if reg == nil {
		return HealthStatus{Agent: name}
	}
	snap := reg.breaker.Snapshot()
	healthy := snap.State != resiliency.StateOpen
	if hc, ok := reg.handler.(HealthChecker); ok && healthy {
		healthy = probe(ctx, hc)
	}
	return HealthStatus{
		Agent:               name,
		Exists:              true,
		Healthy:             healthy,
		CircuitBreakerState: snap.State,
	}
}

// HealthAll reports every registered agent.
func (l *Layer) HealthAll(ctx context.Context) []HealthStatus {
	names := l.Agents()
	out := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		out = append(out, l.Health(ctx, name))
	}
	return out
}

func probe(ctx context.Context, hc HealthChecker) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return hc.Healthy(ctx)
}

func (l *Layer) lookup(name string) *registration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.agents[name]
}

func (l *Layer) fallback(req *contracts.AgentRequest, reason string) *contracts.AgentResponse {
	return &contracts.AgentResponse{
		RequestID: req.RequestID,
		Timestamp: l.now().UTC(),
		Success:   false,
		Rationale: reason,
		Error:     contracts.NewError(contracts.CodeAgentUnavailable, reason),
	}
}

func (l *Layer) onTransition(name string, from, to resiliency.State) {
	l.metrics.SetBreakerState(name, string(to))
	l.logger.Info("circuit_breaker_transition", "agent", name, "from", from, "to", to)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
