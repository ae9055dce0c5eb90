// Package loops holds the viral loop state machines, their policy table and
// the registry that owns them for the life of the process.
package loops

import (
	"fmt"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// Kind enumerates the built-in loops. Tables indexed by Kind are fixed-size
// arrays, so adding a loop without a table row fails to compile.
type Kind uint8

const (
	KindBuddyChallenge Kind = iota
	KindStreakRescue
	KindResultsRally
	KindProudParent
	KindTutorSpotlight

	// KindCount sizes loop-indexed tables.
	KindCount
)

// Loop ids as they appear on links and events.
const (
	BuddyChallenge = "buddy-challenge"
	StreakRescue   = "streak-rescue"
	ResultsRally   = "results-rally"
	ProudParent    = "proud-parent"
	TutorSpotlight = "tutor-spotlight"
)

var kindIDs = [KindCount]string{
	KindBuddyChallenge: BuddyChallenge,
	KindStreakRescue:   StreakRescue,
	KindResultsRally:   ResultsRally,
	KindProudParent:    ProudParent,
	KindTutorSpotlight: TutorSpotlight,
}

// ID returns the loop id of k.
func (k Kind) ID() string {
	if k >= KindCount {
		return fmt.Sprintf("loop(%d)", uint8(k))
	}
	return kindIDs[k]
}

func (k Kind) String() string { return k.ID() }

// KindOf maps a loop id back to its Kind.
func KindOf(id string) (Kind, bool) {
	for k, v := range kindIDs {
		if v == id {
			return Kind(k), true
		}
	}
	return 0, false
}

// Kinds lists every loop in table order.
func Kinds() []Kind {
	out := make([]Kind, 0, KindCount)
	for k := Kind(0); k < KindCount; k++ {
		out = append(out, k)
	}
	return out
}

// triggerMatrix maps trigger x persona to candidate loops in priority order.
var triggerMatrix = [contracts.TriggerCount][contracts.PersonaCount][]Kind{
	contracts.TriggerSessionComplete: {
		contracts.PersonaStudent: {KindBuddyChallenge},
		contracts.PersonaParent:  {KindProudParent},
	},
	contracts.TriggerResultsViewed: {
		contracts.PersonaStudent: {KindResultsRally, KindBuddyChallenge},
		contracts.PersonaParent:  {KindResultsRally, KindProudParent},
	},
	contracts.TriggerStreakAtRisk: {
		contracts.PersonaStudent: {KindStreakRescue},
	},
	contracts.TriggerMilestoneReached: {
		contracts.PersonaStudent: {KindResultsRally},
		contracts.PersonaParent:  {KindProudParent},
	},
	contracts.TriggerSessionRated: {
		contracts.PersonaTutor: {KindTutorSpotlight},
	},
	contracts.TriggerPracticeComplete: {
		contracts.PersonaStudent: {KindBuddyChallenge, KindResultsRally},
	},
}

// Candidates returns the loops a trigger may start for a persona.
func Candidates(t contracts.TriggerType, p contracts.Persona) []Kind {
	if !t.Valid() || !p.Valid() {
		return nil
	}
	cell := triggerMatrix[t][p]
	out := make([]Kind, len(cell))
	copy(out, cell)
	return out
}
