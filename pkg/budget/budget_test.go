package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// Wednesday.
var wed = time.Date(2026, 9, 16, 10, 0, 0, 0, time.UTC)

func newTestEnforcer(limits Limits) (*Enforcer, *fakeClock, *MemoryStorage) {
	clk := &fakeClock{t: wed}
	s := NewMemoryStorage()
	return NewEnforcer(s, limits, WithClock(clk.Now)), clk, s
}

func TestEnforcer_CommitWithinLimits(t *testing.T) {
	e, _, _ := newTestEnforcer(DefaultLimits())
	ctx := context.Background()

	d, err := e.Commit(ctx, "kid-1", Cost{Rewards: 1, Units: 100, Reason: "buddy-challenge"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Receipt)
	assert.Equal(t, "committed", d.Receipt.Action)
	assert.NotEmpty(t, d.Receipt.ID)
	assert.EqualValues(t, 1, d.User.Daily)
	assert.EqualValues(t, 100, d.Pool.Monthly)

	user, pool, err := e.Usage(ctx, "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, user.Weekly)
	assert.EqualValues(t, 100, pool.Daily)
}

func TestEnforcer_CheckDoesNotRecord(t *testing.T) {
	e, _, _ := newTestEnforcer(DefaultLimits())
	ctx := context.Background()

	d, err := e.Check(ctx, "kid-1", Cost{Rewards: 1, Units: 10})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "allowed", d.Receipt.Action)

	user, _, err := e.Usage(ctx, "kid-1")
	require.NoError(t, err)
	assert.Zero(t, user.Daily)
}

func TestEnforcer_PerUserDailyLimit(t *testing.T) {
	e, _, _ := newTestEnforcer(Limits{PerUser: Window{Daily: 2}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := e.Commit(ctx, "kid-1", Cost{Rewards: 1})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := e.Commit(ctx, "kid-1", Cost{Rewards: 1})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.CodeRateLimited, d.Code)
	assert.Contains(t, d.Reason, "daily reward limit reached")
	assert.Equal(t, "daily_user_limit", d.Receipt.Reason)

	other, err := e.Commit(ctx, "kid-2", Cost{Rewards: 1})
	require.NoError(t, err)
	assert.True(t, other.Allowed, "limits are per user")
}

func TestEnforcer_SharedPoolExhausted(t *testing.T) {
	e, _, _ := newTestEnforcer(Limits{Pool: Window{Weekly: 250}})
	ctx := context.Background()

	d, err := e.Commit(ctx, "a", Cost{Rewards: 1, Units: 200})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = e.Commit(ctx, "b", Cost{Rewards: 1, Units: 100})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.CodeBudgetExceeded, d.Code)
	assert.Equal(t, "weekly_pool_exhausted", d.Receipt.Reason)
	assert.EqualValues(t, 200, d.Pool.Weekly)

	d, err = e.Commit(ctx, "b", Cost{Rewards: 1, Units: 50})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "the remainder of the pool is still spendable")
}

func TestEnforcer_CalendarResets(t *testing.T) {
	e, clk, _ := newTestEnforcer(Limits{PerUser: Window{Daily: 1, Weekly: 3, Monthly: 4}})
	ctx := context.Background()
	commit := func() *Decision {
		d, err := e.Commit(ctx, "kid", Cost{Rewards: 1})
		require.NoError(t, err)
		return d
	}

	require.True(t, commit().Allowed)
	assert.False(t, commit().Allowed, "second reward on the same day")

	clk.t = time.Date(2026, 9, 17, 0, 0, 1, 0, time.UTC) // Thursday
	require.True(t, commit().Allowed)
	clk.t = time.Date(2026, 9, 18, 9, 0, 0, 0, time.UTC) // Friday
	require.True(t, commit().Allowed)
	clk.t = time.Date(2026, 9, 19, 9, 0, 0, 0, time.UTC) // Saturday
	d := commit()
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "weekly")

	clk.t = time.Date(2026, 9, 21, 9, 0, 0, 0, time.UTC) // Monday, new week
	require.True(t, commit().Allowed)
	clk.t = time.Date(2026, 9, 22, 9, 0, 0, 0, time.UTC)
	d = commit()
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "monthly")

	clk.t = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, commit().Allowed)
}

func TestLedger_Roll(t *testing.T) {
	l := &Ledger{Daily: 5, Weekly: 6, Monthly: 7, LastUpdated: time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)}
	same := *l
	same.Roll(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))
	assert.EqualValues(t, 5, same.Daily)

	// Thursday 2026-12-31 and Friday 2027-01-01 share ISO week 53.
	l.Roll(time.Date(2027, 1, 1, 1, 0, 0, 0, time.UTC))
	assert.Zero(t, l.Daily)
	assert.EqualValues(t, 6, l.Weekly)
	assert.Zero(t, l.Monthly)
}

func TestRemaining(t *testing.T) {
	l := &Ledger{Daily: 2, Weekly: 12}
	w := Window{Daily: 3, Weekly: 10}
	assert.EqualValues(t, 1, Remaining(l, w, Daily))
	assert.EqualValues(t, 0, Remaining(l, w, Weekly))
	assert.EqualValues(t, -1, Remaining(l, w, Monthly))
}

type failingStorage struct{ getErr, applyErr, committedErr error }

func (f failingStorage) Get(context.Context, string) (*Ledger, error)        { return nil, f.getErr }
func (f failingStorage) Apply(context.Context, *Commit) error                { return f.applyErr }
func (f failingStorage) Committed(context.Context, string) (*Receipt, error) { return nil, f.committedErr }

func TestEnforcer_FailsClosed(t *testing.T) {
	boom := errors.New("connection refused")

	e := NewEnforcer(failingStorage{getErr: boom}, DefaultLimits())
	d, err := e.Check(context.Background(), "kid", Cost{Rewards: 1})
	require.ErrorIs(t, err, boom)
	assert.False(t, d.Allowed)
	assert.Equal(t, "internal_error", d.Receipt.Reason)

	e = NewEnforcer(failingStorage{applyErr: boom}, DefaultLimits())
	d, err = e.Commit(context.Background(), "kid", Cost{Rewards: 1})
	require.ErrorIs(t, err, boom)
	assert.False(t, d.Allowed)
	assert.Equal(t, "persistence_error", d.Receipt.Reason)

	e = NewEnforcer(failingStorage{committedErr: boom}, DefaultLimits())
	d, err = e.Commit(context.Background(), "kid", Cost{Rewards: 1, Key: "ABCD2345|friend"})
	require.ErrorIs(t, err, boom)
	assert.False(t, d.Allowed)
}

func TestEnforcer_CommitKeyChargesOnce(t *testing.T) {
	e, _, _ := newTestEnforcer(Limits{PerUser: Window{Daily: 3}})
	ctx := context.Background()
	cost := Cost{Rewards: 1, Units: 2, Key: "ABCD2345|friend-1"}

	first, err := e.Commit(ctx, "kid", cost)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	assert.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		again, err := e.Commit(ctx, "kid", cost)
		require.NoError(t, err)
		assert.True(t, again.Allowed)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Receipt.ID, again.Receipt.ID)
	}

	user, pool, err := e.Usage(ctx, "kid")
	require.NoError(t, err)
	assert.EqualValues(t, 1, user.Daily)
	assert.EqualValues(t, 2, pool.Daily)

	other, err := e.Commit(ctx, "kid", Cost{Rewards: 1, Units: 2, Key: "ABCD2345|friend-2"})
	require.NoError(t, err)
	assert.False(t, other.Replayed, "a different invitee is a different commit")
}

// partialStorage fails every Apply after writing nothing, the way a
// transaction rolls back.
type partialStorage struct {
	*MemoryStorage
	fail int
}

func (p *partialStorage) Apply(ctx context.Context, c *Commit) error {
	if p.fail > 0 {
		p.fail--
		return errors.New("pool write failed")
	}
	return p.MemoryStorage.Apply(ctx, c)
}

func TestEnforcer_FailedCommitLeavesNoPartialCharge(t *testing.T) {
	s := &partialStorage{MemoryStorage: NewMemoryStorage(), fail: 1}
	e := NewEnforcer(s, DefaultLimits(), WithClock(func() time.Time { return wed }))
	ctx := context.Background()
	cost := Cost{Rewards: 1, Units: 2, Key: "ABCD2345|friend-1"}

	_, err := e.Commit(ctx, "kid", cost)
	require.Error(t, err)
	d, err := e.Commit(ctx, "kid", cost)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	user, pool, err := e.Usage(ctx, "kid")
	require.NoError(t, err)
	assert.EqualValues(t, 1, user.Daily)
	assert.EqualValues(t, 2, pool.Daily)
}

func TestEnforcer_RequiresUser(t *testing.T) {
	e, _, _ := newTestEnforcer(DefaultLimits())
	d, err := e.Commit(context.Background(), "", Cost{Rewards: 1})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, contracts.CodeValidation, d.Code)
}
