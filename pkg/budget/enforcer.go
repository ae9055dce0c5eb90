package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Enforcer implements fail-closed reward budget enforcement.
type Enforcer struct {
	mu      sync.Mutex
	storage Storage
	limits  Limits
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Enforcer)

func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an enforcer over s with the given limits.
func NewEnforcer(s Storage, limits Limits, opts ...Option) *Enforcer {
	e := &Enforcer{
		storage: s,
		limits:  limits,
		now:     time.Now,
		logger:  slog.Default().With("component", "budget"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the configured limits.
func (e *Enforcer) Limits() Limits { return e.limits }

// Check reports whether cost can be incurred for userID without recording it.
func (e *Enforcer) Check(ctx context.Context, userID string, cost Cost) (*Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, _, _, err := e.evaluate(ctx, userID, cost)
	if d.Allowed {
		d.Receipt = e.receipt(userID, "allowed", cost, "ok")
	}
	return d, err
}

// Commit checks cost and, when allowed, records it on both ledgers in one
// storage write. A cost with a Key already committed returns the original
// receipt and charges nothing, so a retried commit is safe.
func (e *Enforcer) Commit(ctx context.Context, userID string, cost Cost) (*Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cost.Key != "" {
		if d, err := e.replay(ctx, userID, cost); d != nil || err != nil {
			return d, err
		}
	}

	d, user, pool, err := e.evaluate(ctx, userID, cost)
	if err != nil || !d.Allowed {
		return d, err
	}

	now := e.now().UTC()
	user.add(cost.Rewards)
	user.LastUpdated = now
	pool.add(cost.Units)
	pool.LastUpdated = now
	receipt := e.receipt(userID, "committed", cost, "ok")

	// FAIL-CLOSED on write failure
	err = e.storage.Apply(ctx, &Commit{Key: cost.Key, Ledgers: []*Ledger{user, pool}, Receipt: receipt})
	if errors.Is(err, ErrAlreadyCommitted) {
		// Another writer claimed the key between our read and write.
		if d, err := e.replay(ctx, userID, cost); d != nil || err != nil {
			return d, err
		}
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "budget_persist_failed", "user_id", userID, "commit_key", cost.Key, "error", err)
		return e.deny(userID, cost, contracts.CodeInternal, "failed to persist usage", "persistence_error"), err
	}

	return &Decision{
		Allowed: true,
		Reason:  "within limits",
		User:    copyLedger(user),
		Pool:    copyLedger(pool),
		Receipt: receipt,
	}, nil
}

// replay returns the decision of an earlier commit under cost.Key, or nil
// when the key is unused. Must be called with e.mu held.
func (e *Enforcer) replay(ctx context.Context, userID string, cost Cost) (*Decision, error) {
	r, err := e.storage.Committed(ctx, cost.Key)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget_check_failed", "user_id", userID, "commit_key", cost.Key, "error", err)
		return e.deny(userID, cost, contracts.CodeInternal, fmt.Sprintf("check failed: %v", err), "internal_error"), err
	}
	if r == nil {
		return nil, nil
	}
	d := &Decision{Allowed: true, Reason: "already committed", Receipt: r, Replayed: true}
	if user, err := e.load(ctx, userID); err == nil {
		d.User = user
	}
	if pool, err := e.load(ctx, PoolKey); err == nil {
		d.Pool = pool
	}
	e.logger.InfoContext(ctx, "budget_commit_replayed", "user_id", userID, "commit_key", cost.Key, "receipt_id", r.ID)
	return d, nil
}

// Usage returns the current ledgers of userID and the pool, rolled to now.
func (e *Enforcer) Usage(ctx context.Context, userID string) (user, pool *Ledger, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if user, err = e.load(ctx, userID); err != nil {
		return nil, nil, err
	}
	if pool, err = e.load(ctx, PoolKey); err != nil {
		return nil, nil, err
	}
	return user, pool, nil
}

// evaluate must be called with e.mu held.
func (e *Enforcer) evaluate(ctx context.Context, userID string, cost Cost) (*Decision, *Ledger, *Ledger, error) {
	if userID == "" {
		return e.deny(userID, cost, contracts.CodeValidation, "userId is required", "validation"), nil, nil, nil
	}
	// FAIL-CLOSED: any storage error results in denial.
	user, err := e.load(ctx, userID)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget_check_failed", "user_id", userID, "error", err)
		return e.deny(userID, cost, contracts.CodeInternal, fmt.Sprintf("check failed: %v", err), "internal_error"), nil, nil, err
	}
	pool, err := e.load(ctx, PoolKey)
	if err != nil {
		e.logger.ErrorContext(ctx, "budget_check_failed", "user_id", userID, "key", PoolKey, "error", err)
		return e.deny(userID, cost, contracts.CodeInternal, fmt.Sprintf("check failed: %v", err), "internal_error"), nil, nil, err
	}

	for _, p := range Periods {
		if limit := e.limits.PerUser.Get(p); limit > 0 && user.Used(p)+cost.Rewards > limit {
			reason := fmt.Sprintf("%s reward limit reached: %d of %d", p, user.Used(p), limit)
			e.logger.InfoContext(ctx, "budget_denied", "user_id", userID, "period", string(p), "reason", reason)
			d := e.deny(userID, cost, contracts.CodeRateLimited, reason, string(p)+"_user_limit")
			d.User, d.Pool = copyLedger(user), copyLedger(pool)
			return d, user, pool, nil
		}
	}
	for _, p := range Periods {
		if limit := e.limits.Pool.Get(p); limit > 0 && pool.Used(p)+cost.Units > limit {
			reason := fmt.Sprintf("%s reward budget exhausted: %d + %d > %d", p, pool.Used(p), cost.Units, limit)
			e.logger.WarnContext(ctx, "budget_denied", "user_id", userID, "period", string(p), "reason", reason)
			d := e.deny(userID, cost, contracts.CodeBudgetExceeded, reason, string(p)+"_pool_exhausted")
			d.User, d.Pool = copyLedger(user), copyLedger(pool)
			return d, user, pool, nil
		}
	}

	return &Decision{
		Allowed: true,
		Reason:  "within limits",
		User:    copyLedger(user),
		Pool:    copyLedger(pool),
	}, user, pool, nil
}

func (e *Enforcer) load(ctx context.Context, key string) (*Ledger, error) {
	l, err := e.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return &Ledger{Key: key}, nil
	}
	l.Roll(e.now())
	return l, nil
}

func (e *Enforcer) deny(userID string, cost Cost, code contracts.ErrorCode, reason, receiptReason string) *Decision {
	return &Decision{
		Allowed: false,
		Code:    code,
		Reason:  reason,
		Receipt: e.receipt(userID, "denied", cost, receiptReason),
	}
}

func (e *Enforcer) receipt(userID, action string, cost Cost, reason string) *Receipt {
	return &Receipt{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Rewards:   cost.Rewards,
		Units:     cost.Units,
		Reason:    reason,
		Timestamp: e.now().UTC(),
	}
}

func copyLedger(l *Ledger) *Ledger {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
