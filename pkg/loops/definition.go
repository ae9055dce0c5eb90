package loops

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

var (
	// ErrUnknownLoop is returned for loop ids with no registered definition.
	ErrUnknownLoop = contracts.NewError(contracts.CodeValidation, "unknown loop")
	// ErrDuplicateLoop is returned when a loop id is registered twice.
	ErrDuplicateLoop = errors.New("loops: loop already registered")
)

// Linker issues attribution links for invites.
type Linker interface {
	GenerateLink(ctx context.Context, req attribution.LinkRequest) (*attribution.Link, error)
}

// Eligibility is the answer of a loop's eligibility gate.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// InviteRequest is what a loop needs to build an invite.
type InviteRequest struct {
	Trigger         contracts.Trigger
	Personalization contracts.Personalization
}

// Invite is a generated invite with its attribution link. InviteID is the
// link id, so every event of the invite carries the same id.
type Invite struct {
	InviteID       string               `json:"inviteId"`
	LoopID         string               `json:"loopId"`
	InviterID      string               `json:"inviterId"`
	Link           *attribution.Link    `json:"link"`
	Copy           contracts.Copy       `json:"copy"`
	Channel        contracts.Channel    `json:"channel"`
	Reward         contracts.RewardPair `json:"reward"`
	CreatedAt      time.Time            `json:"createdAt"`
	RewardDeadline *time.Time           `json:"rewardDeadline,omitempty"`
}

// JoinResult is the outcome of an invitee following an invite.
type JoinResult struct {
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason"`
	LoopID    string    `json:"loopId"`
	InviterID string    `json:"inviterId"`
	JoinedAt  time.Time `json:"joinedAt,omitempty"`
	// Duplicate is set when the invitee had already joined through this code.
	Duplicate bool `json:"duplicate,omitempty"`
}

// FVMResult is the outcome of an invitee reaching the first value moment.
// Qualified=false is a business decline (conditions not met), not an error.
type FVMResult struct {
	Qualified bool                  `json:"qualified"`
	Reason    string                `json:"reason"`
	LoopID    string                `json:"loopId"`
	InviterID string                `json:"inviterId"`
	Rewards   *contracts.RewardPair `json:"rewards,omitempty"`
	ReachedAt time.Time             `json:"reachedAt,omitempty"`
	// Duplicate is set when this (code, invitee) pair already reached FVM;
	// Progress then carries the original outcome.
	Duplicate bool      `json:"duplicate,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
}

// Definition is one loop state machine. Definitions are immutable once
// registered and safe for concurrent use.
type Definition interface {
	ID() string
	Kind() Kind
	Personas() []contracts.Persona
	FVMType() contracts.FVMType
	Policy() Policy

	IsEligible(ctx context.Context, t *contracts.Trigger) (Eligibility, error)
	GenerateInvite(ctx context.Context, req InviteRequest) (*Invite, error)
	// ProcessJoin and ProcessFVM take the link already resolved by the caller,
	// so each invitee action counts as exactly one resolution.
	ProcessJoin(ctx context.Context, link *attribution.Link, invitee contracts.Invitee) (*JoinResult, error)
	ProcessFVM(ctx context.Context, link *attribution.Link, invitee contracts.Invitee) (*FVMResult, error)
}
