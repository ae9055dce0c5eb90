// Package executor drives one invite through its loop: eligibility,
// personalization, invite generation, then the invitee's join and first
// value moment with reward approval. It never returns a Go error or panics to
// its caller; every outcome is a *Result.
package executor

import (
	"context"

	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
)

// State is the lifecycle position of an invite.
type State string

const (
	StatePending               State = "pending"
	StateIneligible            State = "ineligible"
	StatePersonalizationFailed State = "personalization_failed"
	StateInviteGenerated       State = "invite_generated"
	StateJoined                State = "joined"
	StateFVMReached            State = "fvm_reached"
	StateExpired               State = "expired"
	// StateFailed marks a validation or internal failure; nothing changed.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateIneligible, StatePersonalizationFailed, StateFVMReached, StateExpired:
		return true
	}
	return false
}

// Reward statuses of an FVM result.
const (
	RewardGranted  = loops.OutcomeGranted
	RewardDeclined = loops.OutcomeDeclined
	RewardWithheld = loops.OutcomeWithheld
)

// Result is the structured outcome of every executor operation.
type Result struct {
	Success   bool             `json:"success"`
	State     State            `json:"state"`
	LoopID    string           `json:"loopId,omitempty"`
	ShortCode string           `json:"shortCode,omitempty"`
	Rationale string           `json:"rationale"`
	Error     *contracts.Error `json:"error,omitempty"`

	Invite *loops.Invite     `json:"invite,omitempty"`
	Join   *loops.JoinResult `json:"join,omitempty"`

	Rewards      *contracts.RewardPair `json:"rewards,omitempty"`
	RewardStatus string                `json:"rewardStatus,omitempty"`
	Duplicate    bool                  `json:"duplicate,omitempty"`
}

// AgentCaller routes requests to capability agents; *agent.Layer implements it.
type AgentCaller interface {
	Call(ctx context.Context, name string, req *contracts.AgentRequest) *contracts.AgentResponse
}

// LinkResolver resolves short codes; *attribution.Service implements it.
type LinkResolver interface {
	ResolveLink(ctx context.Context, shortCode string) (*attribution.Link, error)
}

// EventSink receives viral events; *analytics.Engine implements it.
type EventSink interface {
	Track(ctx context.Context, ev contracts.Event) error
}
