package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of viral events the analytics engine understands.
type EventType string

const (
	EventInviteSent     EventType = "INVITE_SENT"
	EventInviteOpened   EventType = "INVITE_OPENED"
	EventInviteClicked  EventType = "INVITE_CLICKED"
	EventAccountCreated EventType = "ACCOUNT_CREATED"
	EventFVMReached     EventType = "FVM_REACHED"
	EventRewardClaimed  EventType = "REWARD_CLAIMED"
	EventLoopTriggered  EventType = "LOOP_TRIGGERED"
	EventComplaint      EventType = "COMPLAINT"
	EventOptOut         EventType = "OPT_OUT"
	EventFraudDetected  EventType = "FRAUD_DETECTED"
	EventSupportTicket  EventType = "SUPPORT_TICKET"
)

// EventTypes lists the closed set.
func EventTypes() []EventType {
	return []EventType{
		EventInviteSent, EventInviteOpened, EventInviteClicked, EventAccountCreated,
		EventFVMReached, EventRewardClaimed, EventLoopTriggered,
		EventComplaint, EventOptOut, EventFraudDetected, EventSupportTicket,
	}
}

// Valid reports whether t belongs to the closed set.
func (t EventType) Valid() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// EventMetadata carries the attribution fields of an event.
// Cohort is always set; NewEvent refuses to build an event without one.
type EventMetadata struct {
	Cohort     string         `json:"cohort"`
	Referred   bool           `json:"referred"`
	LoopID     string         `json:"loopId,omitempty"`
	InviteCode string         `json:"inviteCode,omitempty"`
	InviteID   string         `json:"inviteId,omitempty"`
	InviterID  string         `json:"inviterId,omitempty"`
	FVMType    FVMType        `json:"fvmType,omitempty"`
	Channel    Channel        `json:"channel,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Event is an append-only viral event. It is never mutated after insertion.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"eventType"`
	UserID    string        `json:"userId"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  EventMetadata `json:"metadata"`
}

// EventOption decorates an event during construction.
type EventOption func(*Event)

// WithLoop tags the event with a loop id.
func WithLoop(loopID string) EventOption {
	return func(e *Event) { e.Metadata.LoopID = loopID }
}

// WithInvite tags the event with the invite short code and id.
func WithInvite(code, inviteID string) EventOption {
	return func(e *Event) {
		e.Metadata.InviteCode = code
		e.Metadata.InviteID = inviteID
	}
}

// WithInviter records who sent the invite.
func WithInviter(inviterID string) EventOption {
	return func(e *Event) { e.Metadata.InviterID = inviterID }
}

// WithFVMType records the first value moment type.
func WithFVMType(f FVMType) EventOption {
	return func(e *Event) { e.Metadata.FVMType = f }
}

// WithChannel records the delivery channel.
func WithChannel(c Channel) EventOption {
	return func(e *Event) { e.Metadata.Channel = c }
}

// WithExtra attaches a free-form metadata value.
func WithExtra(key string, value any) EventOption {
	return func(e *Event) {
		if e.Metadata.Extra == nil {
			e.Metadata.Extra = make(map[string]any)
		}
		e.Metadata.Extra[key] = value
	}
}

// At overrides the event timestamp (replays, backfills, tests).
func At(ts time.Time) EventOption {
	return func(e *Event) { e.Timestamp = ts.UTC() }
}

// NewEvent builds a validated event. Cohort tagging is mandatory.
func NewEvent(t EventType, userID, cohort string, referred bool, opts ...EventOption) (Event, error) {
	if !t.Valid() {
		return Event{}, Errorf(CodeValidation, "unknown event type %q", t)
	}
	if strings.TrimSpace(userID) == "" {
		return Event{}, NewError(CodeValidation, "event userId is required")
	}
	if strings.TrimSpace(cohort) == "" {
		return Event{}, NewError(CodeValidation, fmt.Sprintf("event %s for %s has no cohort", t, userID))
	}
	e := Event{
		ID:        uuid.New().String(),
		Type:      t,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Metadata: EventMetadata{
			Cohort:   cohort,
			Referred: referred,
		},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// Validate checks the fields NewEvent enforces, for events decoded off the wire.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return Errorf(CodeValidation, "unknown event type %q", e.Type)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return NewError(CodeValidation, "event userId is required")
	}
	if strings.TrimSpace(e.Metadata.Cohort) == "" {
		return NewError(CodeValidation, fmt.Sprintf("event %s for %s has no cohort", e.Type, e.UserID))
	}
	if e.Timestamp.IsZero() {
		return NewError(CodeValidation, "event timestamp is required")
	}
	return nil
}

// TimeRange bounds an analytics window. A zero bound is open.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether ts falls in [Start, End].
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}
