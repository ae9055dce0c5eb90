package loops

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Reward outcomes recorded on a Progress entry.
const (
	OutcomeGranted  = "granted"
	OutcomeDeclined = "declined"
	OutcomeWithheld = "withheld"
)

// Progress is the ledger entry of one invitee on one short code.
type Progress struct {
	ShortCode string                `json:"shortCode"`
	InviteeID string                `json:"inviteeId"`
	LoopID    string                `json:"loopId"`
	JoinedAt  *time.Time            `json:"joinedAt,omitempty"`
	FVMAt     *time.Time            `json:"fvmAt,omitempty"`
	Outcome   string                `json:"outcome,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Rewards   *contracts.RewardPair `json:"rewards,omitempty"`
}

func (p *Progress) clone() *Progress {
	c := *p
	if p.JoinedAt != nil {
		t := *p.JoinedAt
		c.JoinedAt = &t
	}
	if p.FVMAt != nil {
		t := *p.FVMAt
		c.FVMAt = &t
	}
	if p.Rewards != nil {
		r := *p.Rewards
		c.Rewards = &r
	}
	return &c
}

// ProgressStore is the per-(shortCode, invitee) ledger.
type ProgressStore interface {
	Get(ctx context.Context, shortCode, inviteeID string) (*Progress, error)
	// Update applies fn atomically to the entry, creating it when missing.
	// The entry is only written when fn returns nil.
	Update(ctx context.Context, shortCode, inviteeID string, fn func(p *Progress) error) (*Progress, error)
}

type progressKey struct{ code, invitee string }

// MemoryProgressStore implements ProgressStore in memory.
type MemoryProgressStore struct {
	mu      sync.Mutex
	entries map[progressKey]*Progress
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{entries: make(map[progressKey]*Progress)}
}

func (s *MemoryProgressStore) Get(_ context.Context, shortCode, inviteeID string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.entries[progressKey{shortCode, inviteeID}]; ok {
		return p.clone(), nil
	}
	return nil, nil
}

func (s *MemoryProgressStore) Update(_ context.Context, shortCode, inviteeID string, fn func(p *Progress) error) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{shortCode, inviteeID}
	cur, ok := s.entries[key]
	if !ok {
		cur = &Progress{ShortCode: shortCode, InviteeID: inviteeID}
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.entries[key] = next
	return next.clone(), nil
}
