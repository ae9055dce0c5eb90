package contracts_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_RequiresCohort(t *testing.T) {
	_, err := contracts.NewEvent(contracts.EventInviteSent, "u1", "", false)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))

	_, err = contracts.NewEvent(contracts.EventType("BOGUS"), "u1", "spring", false)
	require.Error(t, err)

	_, err = contracts.NewEvent(contracts.EventInviteSent, " ", "spring", false)
	require.Error(t, err)
}

func TestNewEvent_Options(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := contracts.NewEvent(contracts.EventFVMReached, "invitee-1", "spring", true,
		contracts.WithLoop("buddy-challenge"),
		contracts.WithInvite("ABC123", "inv-1"),
		contracts.WithInviter("inviter-1"),
		contracts.WithFVMType(contracts.FVMChallenge),
		contracts.WithExtra("score", 91),
		contracts.At(ts),
	)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ts, e.Timestamp)
	assert.True(t, e.Metadata.Referred)
	assert.Equal(t, "buddy-challenge", e.Metadata.LoopID)
	assert.Equal(t, "ABC123", e.Metadata.InviteCode)
	assert.Equal(t, "inviter-1", e.Metadata.InviterID)
	assert.Equal(t, 91, e.Metadata.Extra["score"])
}

func TestTrigger_JSONUsesWireNames(t *testing.T) {
	raw := `{"type":"streak_at_risk","persona":"student","userId":"u1","cohort":"c1","context":{"currentStreak":7}}`
	var trig contracts.Trigger
	require.NoError(t, json.Unmarshal([]byte(raw), &trig))
	assert.Equal(t, contracts.TriggerStreakAtRisk, trig.Type)
	assert.Equal(t, contracts.PersonaStudent, trig.Persona)
	require.NoError(t, trig.Validate())

	out, err := json.Marshal(trig)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"persona":"student"`)

	err = json.Unmarshal([]byte(`{"type":"nope","persona":"student"}`), &trig)
	require.Error(t, err)
}

func TestTrigger_Validate(t *testing.T) {
	trig := &contracts.Trigger{Type: contracts.TriggerResultsViewed, Persona: contracts.PersonaParent, UserID: "p1"}
	err := trig.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cohort")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, contracts.ErrorCode(""), contracts.CodeOf(nil))
	assert.Equal(t, contracts.CodeInternal, contracts.CodeOf(errors.New("boom")))

	wrapped := fmt.Errorf("outer: %w", contracts.NewError(contracts.CodeLinkExpired, "gone"))
	assert.Equal(t, contracts.CodeLinkExpired, contracts.CodeOf(wrapped))
	assert.True(t, contracts.CodeLinkExpired.IsPolicyDecline())
	assert.False(t, contracts.CodeInternal.IsPolicyDecline())
}

func TestTimeRange_Contains(t *testing.T) {
	now := time.Now()
	r := contracts.TimeRange{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	assert.True(t, r.Contains(now))
	assert.False(t, r.Contains(now.Add(2*time.Hour)))
	assert.True(t, contracts.TimeRange{}.Contains(now))
}

func TestDecode(t *testing.T) {
	direct := contracts.RewardRequest{InviterID: "a", LoopID: "results-rally"}
	got, err := contracts.Decode[contracts.RewardRequest](direct)
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	got, err = contracts.Decode[contracts.RewardRequest](&direct)
	require.NoError(t, err)
	assert.Equal(t, direct, got)

	wire := map[string]any{
		"trigger": map[string]any{"type": "streak_at_risk", "persona": "student", "userId": "kid", "cohort": "c"},
	}
	alloc, err := contracts.Decode[contracts.AllocateLoopsRequest](wire)
	require.NoError(t, err)
	assert.Equal(t, contracts.TriggerStreakAtRisk, alloc.Trigger.Type)
	assert.Equal(t, "kid", alloc.Trigger.UserID)

	_, err = contracts.Decode[contracts.RewardRequest](nil)
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))

	_, err = contracts.Decode[contracts.AllocateLoopsRequest](map[string]any{"trigger": map[string]any{"persona": "alien"}})
	require.Error(t, err)
}

func TestDecodePayload_NamesAction(t *testing.T) {
	req := contracts.NewAgentRequest(contracts.AgentIncentives, "u", contracts.ActionCheckReward, nil)
	_, err := contracts.DecodePayload[contracts.RewardRequest](req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_reward")
	assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))
}
