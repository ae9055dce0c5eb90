// Package resiliency holds the failure-detection primitives used by the agent call layer.
package resiliency

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	Name            string    `json:"name"`
	Failures        int       `json:"failures"`
	LastFailureTime time.Time `json:"lastFailureTime,omitempty"`
	State           State     `json:"state"`
}

// Permit is the outcome of asking a breaker for a call slot.
type Permit int

const (
	// Rejected means the breaker is open (or a half-open trial is already running).
	Rejected Permit = iota
	// Normal means the breaker is closed.
	Normal
	// Trial means this caller owns the single half-open probe.
	Trial
)

// CircuitBreaker implements the closed -> open -> half-open state machine.
// All transitions happen under its own mutex, so one breaker per agent can be
// shared by concurrent callers.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	failures      int
	threshold     int
	lastFailure   time.Time
	cooldown      time.Duration
	state         State
	trialInFlight bool
	now           func() time.Time
	onTransition  func(name string, from, to State)
}

// Option customises a breaker.
type Option func(*CircuitBreaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionHook is invoked (outside the lock) on every state change.
func WithTransitionHook(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker name (the agent it guards).
func (cb *CircuitBreaker) Name() string { return cb.name }

// Acquire asks for a call slot. An open breaker whose cooldown has elapsed
// moves to half-open and hands out exactly one Trial permit.
func (cb *CircuitBreaker) Acquire() Permit {
	cb.mu.Lock()
	from := cb.state
	permit := Rejected

	switch cb.state {
	case StateClosed:
		permit = Normal
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cooldown {
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			permit = Trial
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			permit = Trial
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return permit
}

// Success resets the breaker to closed with zero failures.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Failure records one failed call. A failed half-open trial re-opens the
// breaker immediately; otherwise it opens once failures reach the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.trialInFlight = false
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.state = StateOpen
		cb.lastFailure = cb.now()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Release gives back a permit without recording an outcome, for calls the
// caller abandoned. A half-open breaker hands the trial to the next caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		Failures:        cb.failures,
		LastFailureTime: cb.lastFailure,
		State:           cb.state,
	}
}

// RetryAfter reports how long an open breaker keeps rejecting calls.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	left := cb.cooldown - cb.now().Sub(cb.lastFailure)
	if left < 0 {
		return 0
	}
	return left
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}
