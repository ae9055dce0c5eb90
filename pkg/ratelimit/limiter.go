// Package ratelimit provides token-bucket limiters keyed by actor, with an
// in-process store for single-instance deployments and a Redis store shared
// across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Policy defines a token bucket: PerMinute refill and Burst capacity.
type Policy struct {
	PerMinute int `yaml:"per_minute" json:"perMinute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// RatePerSecond returns the refill rate, falling back to one token per second.
func (p Policy) RatePerSecond() float64 {
	r := float64(p.PerMinute) / 60.0
	if r <= 0 {
		return 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow reports whether actorID may spend cost tokens under policy.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// Enforce checks actorID against store and returns a RATE_LIMITED error when
// the bucket is empty. A nil store fails closed.
func Enforce(ctx context.Context, store Store, actorID string, policy Policy) error {
	if store == nil {
		return contracts.NewError(contracts.CodeInternal, "ratelimit: no limiter store configured")
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit check failed: %w", err)
	}
	if !allowed {
		return contracts.Errorf(contracts.CodeRateLimited, "rate limit exceeded for %s", actorID)
	}
	return nil
}

// MemoryStore keeps one golang.org/x/time/rate limiter per actor.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

type Option func(*MemoryStore)

// WithClock sets the time source used to refill buckets.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[actorID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.RatePerSecond()), policy.burst())
		s.limiters[actorID] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.now(), cost), nil
}

// Reset drops the bucket of actorID.
func (s *MemoryStore) Reset(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, actorID)
}

// Len returns the number of tracked actors.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
