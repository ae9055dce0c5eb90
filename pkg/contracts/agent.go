package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Well-known capability agent names.
const (
	AgentOrchestrator    = "orchestrator"
	AgentPersonalization = "personalization"
	AgentExperimentation = "experimentation"
	AgentIncentives      = "incentives"
	AgentTrustSafety     = "trust_safety"
	AgentAdvocacy        = "advocacy"
)

// AgentRequest is the envelope routed to a capability agent.
// Payload carries the action-specific fields.
type AgentRequest struct {
	AgentID   string    `json:"agentId"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Payload   any       `json:"payload,omitempty"`
}

// NewAgentRequest stamps a fresh request id and timestamp.
func NewAgentRequest(agentID, userID, action string, payload any) *AgentRequest {
	return &AgentRequest{
		AgentID:   agentID,
		RequestID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Action:    action,
		Payload:   payload,
	}
}

// AgentResponse is the structured answer of a capability agent.
type AgentResponse struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Rationale string    `json:"rationale"`
	Data      any       `json:"data,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
}

// OK builds a successful response for req.
func OK(req *AgentRequest, rationale string, data any) *AgentResponse {
	return &AgentResponse{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Rationale: rationale,
		Data:      data,
	}
}

// Decline builds a business-decline response for req. Declines are never retried.
func Decline(req *AgentRequest, code ErrorCode, rationale string) *AgentResponse {
	return &AgentResponse{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Rationale: rationale,
		Error:     NewError(code, rationale),
	}
}

// Degraded reports whether the response is a synthetic fallback from the call layer.
func (r *AgentResponse) Degraded() bool {
	return r != nil && !r.Success && r.Error != nil && r.Error.Code == CodeAgentUnavailable
}

// ErrorCode returns the response error code or "" on success.
func (r *AgentResponse) ErrorCode() ErrorCode {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}
