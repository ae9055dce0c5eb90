// Package budget provides the reward ledgers with fail-closed behavior:
// per-user daily/weekly/monthly reward counters and a shared pool of reward
// spend, both reset on UTC calendar boundaries. When a ledger read or write
// fails, the reward is denied.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Period is a calendar window a counter is kept for.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// Periods in the order they are checked.
var Periods = [...]Period{Daily, Weekly, Monthly}

// PoolKey is the ledger key of the shared spend pool.
const PoolKey = "__pool__"

// Cost is what one approval consumes.
type Cost struct {
	Rewards int64  // counted against the user ledger
	Units   int64  // drawn from the shared pool
	Reason  string // what the cost is for
	// Key makes a commit idempotent: a repeated key returns the first
	// decision and charges nothing. Empty means every commit charges.
	Key string
}

// Window holds one limit per period.
type Window struct {
	Daily   int64 `yaml:"daily" json:"daily"`
	Weekly  int64 `yaml:"weekly" json:"weekly"`
	Monthly int64 `yaml:"monthly" json:"monthly"`
}

// Get returns the value for p.
func (w Window) Get(p Period) int64 {
	switch p {
	case Daily:
		return w.Daily
	case Weekly:
		return w.Weekly
	case Monthly:
		return w.Monthly
	}
	return 0
}

// Limits bound reward issuance. A zero limit means unlimited.
type Limits struct {
	PerUser Window `yaml:"per_user" json:"perUser"`
	Pool    Window `yaml:"pool" json:"pool"`
}

// DefaultLimits allows 3/10/30 rewards per user and 5k/25k/80k pool units.
func DefaultLimits() Limits {
	return Limits{
		PerUser: Window{Daily: 3, Weekly: 10, Monthly: 30},
		Pool:    Window{Daily: 5_000, Weekly: 25_000, Monthly: 80_000},
	}
}

// Ledger is the usage of one key in the current calendar windows.
type Ledger struct {
	Key         string    `json:"key"`
	Daily       int64     `json:"daily"`
	Weekly      int64     `json:"weekly"`
	Monthly     int64     `json:"monthly"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Used returns the counter for p.
func (l *Ledger) Used(p Period) int64 {
	switch p {
	case Daily:
		return l.Daily
	case Weekly:
		return l.Weekly
	case Monthly:
		return l.Monthly
	}
	return 0
}

func (l *Ledger) add(n int64) {
	l.Daily += n
	l.Weekly += n
	l.Monthly += n
}

// Roll zeroes every counter whose calendar window has changed since the
// last update. Weeks start on Monday.
func (l *Ledger) Roll(now time.Time) {
	if l.LastUpdated.IsZero() {
		return
	}
	last, now := l.LastUpdated.UTC(), now.UTC()
	if !sameDay(last, now) {
		l.Daily = 0
	}
	ly, lw := last.ISOWeek()
	ny, nw := now.ISOWeek()
	if ly != ny || lw != nw {
		l.Weekly = 0
	}
	if last.Year() != now.Year() || last.Month() != now.Month() {
		l.Monthly = 0
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// Remaining returns how much of limit is left on ledger l for p, or -1 when unlimited.
func Remaining(l *Ledger, w Window, p Period) int64 {
	limit := w.Get(p)
	if limit <= 0 {
		return -1
	}
	if r := limit - l.Used(p); r > 0 {
		return r
	}
	return 0
}

// Decision represents the result of a budget check.
type Decision struct {
	Allowed bool                `json:"allowed"`
	Code    contracts.ErrorCode `json:"code,omitempty"`
	Reason  string              `json:"reason"`
	User    *Ledger             `json:"user,omitempty"`
	Pool    *Ledger             `json:"pool,omitempty"`
	Receipt *Receipt            `json:"receipt,omitempty"`
	// Replayed is set when the commit key was already spent and Receipt is
	// the original one.
	Replayed bool `json:"replayed,omitempty"`
}

// Receipt provides evidence of an approval or denial.
type Receipt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"` // "allowed", "committed" or "denied"
	Rewards   int64     `json:"rewards"`
	Units     int64     `json:"units"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrAlreadyCommitted is returned by Storage.Apply when the commit key has
// been recorded before. Nothing is written.
var ErrAlreadyCommitted = errors.New("budget: commit key already recorded")

// Commit is one atomic write: the updated ledgers plus, when Key is set, the
// receipt recorded under it.
type Commit struct {
	Key     string
	Ledgers []*Ledger
	Receipt *Receipt
}

// Storage handles persistence of ledgers.
type Storage interface {
	// Get returns nil, nil when the key has no ledger yet.
	Get(ctx context.Context, key string) (*Ledger, error)
	// Apply writes every ledger of c, or none of them.
	Apply(ctx context.Context, c *Commit) error
	// Committed returns the receipt recorded under key, or nil, nil.
	Committed(ctx context.Context, key string) (*Receipt, error)
}
