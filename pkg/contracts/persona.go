package contracts

import (
	"fmt"
	"strings"
)

// Persona is the role context a trigger or invitee acts under.
type Persona uint8

const (
	PersonaStudent Persona = iota
	PersonaParent
	PersonaTutor

	// PersonaCount sizes persona-indexed tables.
	PersonaCount
)

var personaNames = [PersonaCount]string{
	PersonaStudent: "student",
	PersonaParent:  "parent",
	PersonaTutor:   "tutor",
}

// Personas lists every persona in table order.
func Personas() []Persona {
	return []Persona{PersonaStudent, PersonaParent, PersonaTutor}
}

func (p Persona) String() string {
	if p >= PersonaCount {
		return fmt.Sprintf("persona(%d)", uint8(p))
	}
	return personaNames[p]
}

// Valid reports whether p is a known persona.
func (p Persona) Valid() bool { return p < PersonaCount }

// ParsePersona parses the wire name of a persona.
func ParsePersona(s string) (Persona, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range personaNames {
		if name == s {
			return Persona(i), nil
		}
	}
	return 0, NewError(CodeValidation, fmt.Sprintf("unknown persona %q", s))
}

func (p Persona) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("contracts: invalid persona %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Persona) UnmarshalText(b []byte) error {
	v, err := ParsePersona(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TriggerType is the enumerated cause of a loop trigger.
type TriggerType uint8

const (
	TriggerSessionComplete TriggerType = iota
	TriggerResultsViewed
	TriggerStreakAtRisk
	TriggerMilestoneReached
	TriggerSessionRated
	TriggerPracticeComplete

	// TriggerCount sizes trigger-indexed tables.
	TriggerCount
)

var triggerNames = [TriggerCount]string{
	TriggerSessionComplete:  "session_complete",
	TriggerResultsViewed:    "results_viewed",
	TriggerStreakAtRisk:     "streak_at_risk",
	TriggerMilestoneReached: "milestone_reached",
	TriggerSessionRated:     "session_rated",
	TriggerPracticeComplete: "practice_complete",
}

func (t TriggerType) String() string {
	if t >= TriggerCount {
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
	return triggerNames[t]
}

// Valid reports whether t is a known trigger.
func (t TriggerType) Valid() bool { return t < TriggerCount }

// ParseTriggerType parses the wire name of a trigger.
func ParseTriggerType(s string) (TriggerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range triggerNames {
		if name == s {
			return TriggerType(i), nil
		}
	}
	return 0, NewError(CodeValidation, fmt.Sprintf("unknown trigger %q", s))
}

func (t TriggerType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("contracts: invalid trigger %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *TriggerType) UnmarshalText(b []byte) error {
	v, err := ParseTriggerType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FVMType selects the first-value-moment an invite leads to and therefore its deep link.
type FVMType string

const (
	FVMPractice  FVMType = "practice"
	FVMAITutor   FVMType = "ai_tutor"
	FVMSession   FVMType = "session"
	FVMChallenge FVMType = "challenge"
)

// Valid reports whether f is a known FVM type.
func (f FVMType) Valid() bool {
	switch f {
	case FVMPractice, FVMAITutor, FVMSession, FVMChallenge:
		return true
	}
	return false
}

// Channel is the delivery channel for an invite.
type Channel string

const (
	ChannelSMS    Channel = "sms"
	ChannelEmail  Channel = "email"
	ChannelSocial Channel = "social"
	ChannelCopy   Channel = "copy_link"
	ChannelPush   Channel = "push"
)
