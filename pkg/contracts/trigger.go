package contracts

import (
	"strings"
	"time"
)

// TriggerContext is the free-form context attached to a trigger. Loops read the
// fields relevant to their eligibility gate and ignore the rest.
type TriggerContext struct {
	Subject    string `json:"subject,omitempty"`
	Skill      string `json:"skill,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Age        int    `json:"age,omitempty"`
	Grade      int    `json:"grade,omitempty"`

	PriorInviteCount int        `json:"priorInviteCount,omitempty"`
	LastInviteAt     *time.Time `json:"lastInviteAt,omitempty"`

	PracticeScore   *float64 `json:"practiceScore,omitempty"`
	ChallengeDeckID string   `json:"challengeDeckId,omitempty"`

	CurrentStreak   int        `json:"currentStreak,omitempty"`
	StreakExpiresAt *time.Time `json:"streakExpiresAt,omitempty"`

	Score      *float64 `json:"score,omitempty"`
	Percentile *float64 `json:"percentile,omitempty"`

	Milestone string         `json:"milestone,omitempty"`
	Progress  map[string]any `json:"progress,omitempty"`

	SessionID     string `json:"sessionId,omitempty"`
	SessionRating int    `json:"sessionRating,omitempty"`
	TutorID       string `json:"tutorId,omitempty"`

	Transcript string   `json:"transcript,omitempty"`
	SkillGaps  []string `json:"skillGaps,omitempty"`
	NextSteps  []string `json:"nextSteps,omitempty"`

	PreferredChannel  Channel `json:"preferredChannel,omitempty"`
	DeviceFingerprint string  `json:"deviceFingerprint,omitempty"`
	IPAddress         string  `json:"ipAddress,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Trigger is a user event that may start one or more loops.
type Trigger struct {
	Type    TriggerType    `json:"type"`
	Persona Persona        `json:"persona"`
	UserID  string         `json:"userId"`
	Cohort  string         `json:"cohort"`
	Context TriggerContext `json:"context"`
}

// Validate checks required fields.
func (t *Trigger) Validate() error {
	if t == nil {
		return NewError(CodeValidation, "trigger is required")
	}
	if !t.Type.Valid() {
		return NewError(CodeValidation, "trigger type is invalid")
	}
	if !t.Persona.Valid() {
		return NewError(CodeValidation, "persona is invalid")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return NewError(CodeValidation, "userId is required")
	}
	if strings.TrimSpace(t.Cohort) == "" {
		return NewError(CodeValidation, "cohort is required")
	}
	return nil
}

// Invitee describes the person following an invite link.
type Invitee struct {
	UserID            string    `json:"userId"`
	Persona           Persona   `json:"persona"`
	Cohort            string    `json:"cohort"`
	NewAccount        bool      `json:"newAccount,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	OccurredAt        time.Time `json:"occurredAt,omitempty"`
}

// Validate checks required invitee fields.
func (i *Invitee) Validate() error {
	if i == nil {
		return NewError(CodeValidation, "invitee is required")
	}
	if strings.TrimSpace(i.UserID) == "" {
		return NewError(CodeValidation, "invitee userId is required")
	}
	if strings.TrimSpace(i.Cohort) == "" {
		return NewError(CodeValidation, "invitee cohort is required")
	}
	if !i.Persona.Valid() {
		return NewError(CodeValidation, "invitee persona is invalid")
	}
	return nil
}
