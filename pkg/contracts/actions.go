package contracts

import (
	"encoding/json"
	"fmt"
)

// Agent actions.
const (
	ActionAllocateLoops    = "allocate_loops"
	ActionPersonalize      = "personalize"
	ActionLogEvent         = "log_event"
	ActionCalculateKFactor = "calculate_kfactor"
	ActionAssignVariant    = "assign_variant"
	ActionCheckReward      = "check_reward"
	ActionCommitReward     = "commit_reward"
	ActionCheckFraud       = "check_fraud"
	ActionScrubPII         = "scrub_pii"
	ActionGeneratePack     = "generate_pack"
)

// AllocateLoopsRequest asks the orchestrator which loops a trigger starts.
type AllocateLoopsRequest struct {
	Trigger Trigger `json:"trigger"`
}

// LoopAllocation is the orchestrator's answer. An empty Loops is a valid
// "nothing to run" decision, explained by Reason.
type LoopAllocation struct {
	Loops  []string `json:"loops"`
	Reason string   `json:"reason"`
}

// PersonalizeRequest asks for copy, reward and channel for one loop.
type PersonalizeRequest struct {
	LoopID  string  `json:"loopId"`
	Trigger Trigger `json:"trigger"`
}

// KFactorRequest asks the experimentation agent for a cohort's K-factor.
type KFactorRequest struct {
	Cohort    string    `json:"cohort"`
	TimeRange TimeRange `json:"timeRange"`
}

// VariantRequest asks for a deterministic experiment arm.
type VariantRequest struct {
	Experiment string   `json:"experiment"`
	Variants   []string `json:"variants"`
}

// VariantAssignment is the arm a user lands in.
type VariantAssignment struct {
	Experiment string `json:"experiment"`
	Variant    string `json:"variant"`
	Bucket     int    `json:"bucket"`
}

// RewardRequest asks incentives to approve or commit a reward pair.
type RewardRequest struct {
	InviterID string     `json:"inviterId"`
	InviteeID string     `json:"inviteeId"`
	LoopID    string     `json:"loopId"`
	ShortCode string     `json:"shortCode"`
	Rewards   RewardPair `json:"rewards"`
}

// RewardDecision is the incentives answer.
type RewardDecision struct {
	Approved  bool   `json:"approved"`
	Units     int64  `json:"units"`
	ReceiptID string `json:"receiptId,omitempty"`
	Reason    string `json:"reason"`
}

// FraudCheckRequest asks trust & safety to vet an action. InviteeID and the
// device fields are set when an invitee is involved.
type FraudCheckRequest struct {
	Trigger           *Trigger `json:"trigger,omitempty"`
	InviterID         string   `json:"inviterId,omitempty"`
	InviteeID         string   `json:"inviteeId,omitempty"`
	DeviceFingerprint string   `json:"deviceFingerprint,omitempty"`
	IPAddress         string   `json:"ipAddress,omitempty"`
	// InviterDevice is the device the invite was created on, taken from the
	// attribution link.
	InviterDevice string `json:"inviterDevice,omitempty"`
	// Cohort tags the FRAUD_DETECTED event when there is no trigger.
	Cohort string `json:"cohort,omitempty"`
}

// FraudVerdict is the trust & safety answer for allowed requests.
type FraudVerdict struct {
	Allowed bool     `json:"allowed"`
	Signals []string `json:"signals,omitempty"`
}

// ScrubRequest carries free text to redact.
type ScrubRequest struct {
	Text string `json:"text"`
}

// ScrubResult is the redacted text.
type ScrubResult struct {
	Text       string `json:"text"`
	Redactions int    `json:"redactions"`
}

// PackRequest asks advocacy for share messages embedding a link.
type PackRequest struct {
	LoopID   string  `json:"loopId"`
	Persona  Persona `json:"persona"`
	ShortURL string  `json:"shortUrl"`
	Copy     Copy    `json:"copy"`
}

// ReferralPack holds one ready-to-send message per channel.
type ReferralPack struct {
	LoopID   string             `json:"loopId"`
	ShortURL string             `json:"shortUrl"`
	Messages map[Channel]string `json:"messages"`
}

// Decode converts an agent payload or response data into T. In-process
// callers pass T or *T directly; anything else (maps decoded off the wire)
// goes through a JSON round trip.
func Decode[T any](v any) (T, error) {
	var zero T
	switch x := v.(type) {
	case T:
		return x, nil
	case *T:
		if x == nil {
			return zero, NewError(CodeValidation, "payload is required")
		}
		return *x, nil
	case nil:
		return zero, NewError(CodeValidation, "payload is required")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return zero, Errorf(CodeValidation, "payload is not encodable: %v", err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, Errorf(CodeValidation, "payload does not match %T: %v", out, err)
	}
	return out, nil
}

// DecodePayload decodes req.Payload into T.
func DecodePayload[T any](req *AgentRequest) (T, error) {
	if req == nil {
		var zero T
		return zero, NewError(CodeValidation, "agent request is required")
	}
	v, err := Decode[T](req.Payload)
	if err != nil {
		return v, fmt.Errorf("%s: %w", req.Action, err)
	}
	return v, nil
}
