// Package capabilities implements the capability agents that sit behind the
// agent layer: orchestrator, personalization, experimentation, incentives,
// trust & safety and advocacy. Agents are stateless per call. Durable state
// lives in the stores they are constructed with.
//
// Handlers return business declines as responses (contracts.Decline) and
// reserve Go errors for infrastructure failures, which the agent layer
// retries and counts against the agent's breaker.
package capabilities

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/kfactor/pkg/agent"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

type actionFunc func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error)

// actions dispatches a request on its Action.
type actions map[string]actionFunc

func (a actions) handle(ctx context.Context, agentName string, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	if req == nil {
		return nil, contracts.NewError(contracts.CodeValidation, "agent request is required")
	}
	fn, ok := a[req.Action]
	if !ok {
		return contracts.Decline(req, contracts.CodeValidation,
			fmt.Sprintf("%s does not support action %q", agentName, req.Action)), nil
	}
	return fn(ctx, req)
}

// invalid declines a request whose payload could not be decoded or validated.
func invalid(req *contracts.AgentRequest, err error) *contracts.AgentResponse {
	return contracts.Decline(req, contracts.CodeValidation, err.Error())
}

// Registrar is the part of the agent layer agents register with.
type Registrar interface {
	Register(name string, h agent.Handler) error
}

// Set bundles one instance of every capability agent.
type Set struct {
	Orchestrator    *Orchestrator
	Personalization *Personalization
	Experimentation *Experimentation
	Incentives      *Incentives
	TrustSafety     *TrustSafety
	Advocacy        *Advocacy
}

// Register adds every non-nil agent of s to r under its well-known name.
func (s *Set) Register(r Registrar) error {
	for _, e := range []struct {
		name string
		h    agent.Handler
		ok   bool
	}{
		{contracts.AgentOrchestrator, s.Orchestrator, s.Orchestrator != nil},
		{contracts.AgentPersonalization, s.Personalization, s.Personalization != nil},
		{contracts.AgentExperimentation, s.Experimentation, s.Experimentation != nil},
		{contracts.AgentIncentives, s.Incentives, s.Incentives != nil},
		{contracts.AgentTrustSafety, s.TrustSafety, s.TrustSafety != nil},
		{contracts.AgentAdvocacy, s.Advocacy, s.Advocacy != nil},
	} {
		if !e.ok {
			continue
		}
		if err := r.Register(e.name, e.h); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	return nil
}
