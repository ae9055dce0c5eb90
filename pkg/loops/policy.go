package loops

import (
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// WindowMode selects how the reward deadline of an invite is derived.
type WindowMode uint8

const (
	// WindowNone rewards any FVM while the link resolves.
	WindowNone WindowMode = iota
	// WindowFromCreation rewards FVMs within Window of link creation.
	WindowFromCreation
	// WindowUntilExpiry rewards FVMs until the link's own expiry, which the
	// loop pins to an external deadline (a streak's expiry).
	WindowUntilExpiry
)

// Policy is one row of the loop policy table.
type Policy struct {
	Kind         Kind
	Personas     []contracts.Persona
	FVMType      contracts.FVMType
	WindowMode   WindowMode
	Window       time.Duration
	JoinRequired bool
	Inviter      contracts.Reward
	Invitee      contracts.Reward
}

// Supports reports whether the loop can be started by persona p.
func (p Policy) Supports(persona contracts.Persona) bool {
	for _, s := range p.Personas {
		if s == persona {
			return true
		}
	}
	return false
}

// Rewards returns the reward pair with issuance conditions attached.
func (p Policy) Rewards() contracts.RewardPair {
	cond := &contracts.RewardConditions{FVMRequired: true}
	if p.WindowMode == WindowFromCreation {
		cond.TimeWindowHours = int(p.Window / time.Hour)
	}
	inviter, invitee := p.Inviter, p.Invitee
	c1, c2 := *cond, *cond
	inviter.Conditions, invitee.Conditions = &c1, &c2
	return contracts.RewardPair{Inviter: inviter, Invitee: invitee}
}

var (
	streakShield = contracts.Reward{Type: contracts.RewardStreakShield, Amount: 1, Description: "Streak shield"}
	classPass    = contracts.Reward{Type: contracts.RewardClassPass, Amount: 1, Description: "Free class pass"}
)

var policies = [KindCount]Policy{
	KindBuddyChallenge: {
		Kind:         KindBuddyChallenge,
		Personas:     []contracts.Persona{contracts.PersonaStudent},
		FVMType:      contracts.FVMChallenge,
		WindowMode:   WindowFromCreation,
		Window:       48 * time.Hour,
		JoinRequired: true,
		Inviter:      streakShield,
		Invitee:      streakShield,
	},
	KindStreakRescue: {
		Kind:         KindStreakRescue,
		Personas:     []contracts.Persona{contracts.PersonaStudent},
		FVMType:      contracts.FVMPractice,
		WindowMode:   WindowUntilExpiry,
		JoinRequired: true,
		Inviter:      streakShield,
		Invitee:      streakShield,
	},
	KindResultsRally: {
		Kind:     KindResultsRally,
		Personas: []contracts.Persona{contracts.PersonaStudent, contracts.PersonaParent},
		FVMType:  contracts.FVMPractice,
		Inviter:  contracts.Reward{Type: contracts.RewardGemBoost, Amount: 50, Description: "50 gems"},
		Invitee:  contracts.Reward{Type: contracts.RewardPracticePowerUp, Amount: 1, Description: "Practice power-up"},
	},
	KindProudParent: {
		Kind:     KindProudParent,
		Personas: []contracts.Persona{contracts.PersonaParent},
		FVMType:  contracts.FVMSession,
		Inviter:  classPass,
		Invitee:  classPass,
	},
	KindTutorSpotlight: {
		Kind:         KindTutorSpotlight,
		Personas:     []contracts.Persona{contracts.PersonaTutor},
		FVMType:      contracts.FVMSession,
		WindowMode:   WindowFromCreation,
		Window:       30 * 24 * time.Hour,
		JoinRequired: true,
		Inviter:      contracts.Reward{Type: contracts.RewardXPBoost, Amount: 200, Description: "200 XP boost"},
		Invitee:      classPass,
	},
}

// PolicyFor returns the policy row of k.
func PolicyFor(k Kind) Policy {
	return policies[k]
}

// rewardMatrix marks the persona x loop cells that offer a reward. The pair
// itself comes from the loop's policy row.
var rewardMatrix = [contracts.PersonaCount][KindCount]bool{
	contracts.PersonaStudent: {
		KindBuddyChallenge: true,
		KindStreakRescue:   true,
		KindResultsRally:   true,
	},
	contracts.PersonaParent: {
		KindResultsRally: true,
		KindProudParent:  true,
	},
	contracts.PersonaTutor: {
		KindTutorSpotlight: true,
	},
}

// RewardFor returns the reward pair a persona is offered for starting loop k.
func RewardFor(p contracts.Persona, k Kind) (contracts.RewardPair, bool) {
	if !p.Valid() || k >= KindCount || !rewardMatrix[p][k] {
		return contracts.RewardPair{}, false
	}
	return policies[k].Rewards(), true
}
