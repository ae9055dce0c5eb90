package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/util/resiliency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newLayer(cfg Config) (*Layer, *clock, *sleeps) {
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	sl := &sleeps{}
	return New(cfg, WithClock(clk.Now), WithSleep(sl.Sleep)), clk, sl
}

func failing(calls *int32) HandlerFunc {
	return func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		atomic.AddInt32(calls, 1)
		return nil, errors.New("connection reset")
	}
}

func TestCall_Success(t *testing.T) {
	l, _, _ := newLayer(DefaultConfig())
	require.NoError(t, l.Register(contracts.AgentOrchestrator, HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		return contracts.OK(req, "allocated", []string{"buddy-challenge"}), nil
	})))

	req := contracts.NewAgentRequest("", "u1", "allocate_loops", nil)
	resp := l.Call(context.Background(), contracts.AgentOrchestrator, req)
	require.True(t, resp.Success)
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, contracts.AgentOrchestrator, req.AgentID)

	snap, ok := l.Breaker(contracts.AgentOrchestrator)
	require.True(t, ok)
	assert.Equal(t, resiliency.StateClosed, snap.State)
}

func TestCall_UnknownAgentFallsBack(t *testing.T) {
	l, _, _ := newLayer(DefaultConfig())
	resp := l.Call(context.Background(), "ghost", contracts.NewAgentRequest("", "u1", "x", nil))
	require.False(t, resp.Success)
	assert.True(t, resp.Degraded())
	assert.Contains(t, resp.Rationale, "not registered")
}

func TestCall_RetriesWithLinearBackoff(t *testing.T) {
	l, _, sl := newLayer(DefaultConfig())
	var calls int32
	require.NoError(t, l.Register("flaky", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return contracts.OK(req, "third time lucky", nil), nil
	})))

	resp := l.Call(context.Background(), "flaky", contracts.NewAgentRequest("", "u1", "x", nil))
	require.True(t, resp.Success)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.delays)
}

func TestCall_BusinessDeclineIsNotRetried(t *testing.T) {
	l, _, sl := newLayer(DefaultConfig())
	var calls int32
	require.NoError(t, l.Register(contracts.AgentIncentives, HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		atomic.AddInt32(&calls, 1)
		return contracts.Decline(req, contracts.CodeBudgetExceeded, "daily budget exhausted"), nil
	})))

	resp := l.Call(context.Background(), contracts.AgentIncentives, contracts.NewAgentRequest("", "u1", "check_reward", nil))
	require.False(t, resp.Success)
	assert.False(t, resp.Degraded())
	assert.Equal(t, contracts.CodeBudgetExceeded, resp.ErrorCode())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Empty(t, sl.delays)
}

func TestCall_SuccessFalseWithoutErrorIsRetried(t *testing.T) {
	l, _, _ := newLayer(Config{MaxRetries: 1})
	var calls int32
	require.NoError(t, l.Register("vague", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		atomic.AddInt32(&calls, 1)
		return &contracts.AgentResponse{RequestID: req.RequestID}, nil
	})))

	resp := l.Call(context.Background(), "vague", contracts.NewAgentRequest("", "u1", "x", nil))
	assert.True(t, resp.Degraded())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	snap, _ := l.Breaker("vague")
	assert.Equal(t, 1, snap.Failures)
}

func TestCall_PanicBecomesFallback(t *testing.T) {
	l, _, _ := newLayer(Config{MaxRetries: 0})
	require.NoError(t, l.Register("boom", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		panic("nil map write")
	})))

	resp := l.Call(context.Background(), "boom", contracts.NewAgentRequest("", "u1", "x", nil))
	require.False(t, resp.Success)
	assert.True(t, resp.Degraded())
	assert.Contains(t, resp.Rationale, "panicked")
}

func TestCall_TimeoutDiscardsLateResult(t *testing.T) {
	l, _, _ := newLayer(Config{MaxRetries: 0, Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, l.Register("slow", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		defer wg.Done()
		<-release
		return contracts.OK(req, "too late", nil), nil
	})))

	resp := l.Call(context.Background(), "slow", contracts.NewAgentRequest("", "u1", "x", nil))
	assert.True(t, resp.Degraded())
	assert.Contains(t, resp.Rationale, "timed out")

	close(release)
	wg.Wait()
}

// Five consecutive exceptions open the breaker; the sixth call inside the
// cooldown never reaches the handler.
func TestCall_BreakerOpensAfterThreshold(t *testing.T) {
	l, clk, _ := newLayer(Config{MaxRetries: 0, FailureThreshold: 5, Cooldown: 30 * time.Second})
	var calls int32
	require.NoError(t, l.Register(contracts.AgentPersonalization, failing(&calls)))

	for i := 0; i < 5; i++ {
		resp := l.Call(context.Background(), contracts.AgentPersonalization, contracts.NewAgentRequest("", "u1", "personalize", nil))
		require.True(t, resp.Degraded())
	}
	snap, _ := l.Breaker(contracts.AgentPersonalization)
	require.Equal(t, resiliency.StateOpen, snap.State)
	require.EqualValues(t, 5, atomic.LoadInt32(&calls))

	clk.Advance(29 * time.Second)
	resp := l.Call(context.Background(), contracts.AgentPersonalization, contracts.NewAgentRequest("", "u1", "personalize", nil))
	assert.True(t, resp.Degraded())
	assert.Contains(t, resp.Rationale, "circuit open")
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))

	h := l.Health(context.Background(), contracts.AgentPersonalization)
	assert.True(t, h.Exists)
	assert.False(t, h.Healthy)
	assert.Equal(t, resiliency.StateOpen, h.CircuitBreakerState)
}

func TestCall_HalfOpenRunsSingleTrialWithoutRetries(t *testing.T) {
	l, clk, _ := newLayer(Config{MaxRetries: 3, FailureThreshold: 1, Cooldown: time.Minute})
	var calls int32
	require.NoError(t, l.Register("a", failing(&calls)))

	l.Call(context.Background(), "a", contracts.NewAgentRequest("", "u1", "x", nil))
	require.EqualValues(t, 4, atomic.LoadInt32(&calls))

	clk.Advance(time.Minute)
	l.Call(context.Background(), "a", contracts.NewAgentRequest("", "u1", "x", nil))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
	snap, _ := l.Breaker("a")
	assert.Equal(t, resiliency.StateOpen, snap.State)
	assert.Equal(t, clk.Now(), snap.LastFailureTime)
}

func TestCall_HalfOpenSuccessCloses(t *testing.T) {
	l, clk, _ := newLayer(Config{MaxRetries: 0, FailureThreshold: 1, Cooldown: time.Minute})
	var healthy atomic.Bool
	require.NoError(t, l.Register("a", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		if !healthy.Load() {
			return nil, errors.New("down")
		}
		return contracts.OK(req, "ok", nil), nil
	})))
	l.Call(context.Background(), "a", contracts.NewAgentRequest("", "u1", "x", nil))

	healthy.Store(true)
	clk.Advance(time.Minute)
	resp := l.Call(context.Background(), "a", contracts.NewAgentRequest("", "u1", "x", nil))
	require.True(t, resp.Success)
	snap, _ := l.Breaker("a")
	assert.Equal(t, resiliency.StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
}

func TestCall_CanceledContextDoesNotTripBreaker(t *testing.T) {
	l, _, _ := newLayer(Config{MaxRetries: 0, FailureThreshold: 1})
	require.NoError(t, l.Register("a", HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := l.Call(ctx, "a", contracts.NewAgentRequest("", "u1", "x", nil))
	assert.True(t, resp.Degraded())
	snap, _ := l.Breaker("a")
	assert.Equal(t, resiliency.StateClosed, snap.State)
}

type probed struct {
	HandlerFunc
	alive bool
}

func (p probed) Healthy(context.Context) bool { return p.alive }

func TestHealth(t *testing.T) {
	l, _, _ := newLayer(DefaultConfig())
	ok := func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		return contracts.OK(req, "", nil), nil
	}
	require.NoError(t, l.Register("up", probed{HandlerFunc: ok, alive: true}))
	require.NoError(t, l.Register("sick", probed{HandlerFunc: ok, alive: false}))

	assert.Equal(t, HealthStatus{Agent: "ghost"}, l.Health(context.Background(), "ghost"))
	assert.True(t, l.Health(context.Background(), "up").Healthy)
	assert.False(t, l.Health(context.Background(), "sick").Healthy)
	assert.Len(t, l.HealthAll(context.Background()), 2)
	assert.Equal(t, []string{"sick", "up"}, l.Agents())
}

func TestRegister_Validates(t *testing.T) {
	l, _, _ := newLayer(DefaultConfig())
	require.Error(t, l.Register("", HandlerFunc(nil)))
	require.Error(t, l.Register("a", nil))
}

func TestCall_RecordsMetrics(t *testing.T) {
	m := observability.NewMetrics()
	l := New(Config{MaxRetries: 0, FailureThreshold: 1}, WithMetrics(m), WithSleep(func(context.Context, time.Duration) error { return nil }))
	var calls int32
	require.NoError(t, l.Register("a", failing(&calls)))
	l.Call(context.Background(), "a", contracts.NewAgentRequest("", "u1", "x", nil))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "kfactor_agent_calls_total")
	assert.Contains(t, names, "kfactor_circuit_breaker_state")
}
