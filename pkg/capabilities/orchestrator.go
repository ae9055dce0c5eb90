package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
)

// OrchestratorConfig bounds how often a user is asked to invite.
type OrchestratorConfig struct {
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
	DailyInviteCap int           `yaml:"daily_invite_cap" json:"dailyInviteCap"`
	MaxLoops       int           `yaml:"max_loops_per_trigger" json:"maxLoopsPerTrigger"`
}

// DefaultOrchestratorConfig allows one invite prompt per hour, five a day,
// and at most two loops per trigger.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Cooldown:       time.Hour,
		DailyInviteCap: 5,
		MaxLoops:       2,
	}
}

// Orchestrator decides which loops a trigger starts.
type Orchestrator struct {
	registry *loops.Registry
	cfg      OrchestratorConfig
	now      func() time.Time
	logger   *slog.Logger
	actions  actions
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(registry *loops.Registry, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultOrchestratorConfig().MaxLoops
	}
	o := &Orchestrator{
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.actions = actions{contracts.ActionAllocateLoops: o.allocate}
	return o
}

func (o *Orchestrator) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return o.actions.handle(ctx, contracts.AgentOrchestrator, req)
}

func (o *Orchestrator) allocate(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.AllocateLoopsRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	t := &in.Trigger
	if err := t.Validate(); err != nil {
		return invalid(req, err), nil
	}

	if hold := o.hold(t); hold != "" {
		o.logger.InfoContext(ctx, "allocation_held", "user_id", t.UserID, "reason", hold)
		return contracts.OK(req, hold, contracts.LoopAllocation{Loops: []string{}, Reason: hold}), nil
	}

	var (
		chosen  []string
		skipped []string
	)
	for _, def := range o.registry.ForTrigger(t.Type, t.Persona) {
		if len(chosen) == o.cfg.MaxLoops {
			break
		}
		el, err := def.IsEligible(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("eligibility of %s: %w", def.ID(), err)
		}
		if !el.Eligible {
			skipped = append(skipped, def.ID()+": "+el.Reason)
			continue
		}
		chosen = append(chosen, def.ID())
	}

	reason := fmt.Sprintf("%d loop(s) for %s/%s", len(chosen), t.Type, t.Persona)
	switch {
	case len(chosen) == 0 && len(skipped) == 0:
		reason = fmt.Sprintf("no loop runs for %s/%s", t.Type, t.Persona)
	case len(skipped) > 0:
		reason += "; skipped " + strings.Join(skipped, ", ")
	}
	if chosen == nil {
		chosen = []string{}
	}
	return contracts.OK(req, reason, contracts.LoopAllocation{Loops: chosen, Reason: reason}), nil
}

// hold returns why the user should not be prompted right now, or "".
func (o *Orchestrator) hold(t *contracts.Trigger) string {
	tc := &t.Context
	if o.cfg.Cooldown > 0 && tc.LastInviteAt != nil {
		if since := o.now().Sub(*tc.LastInviteAt); since < o.cfg.Cooldown {
			return fmt.Sprintf("invite cooldown: last invite %s ago, cooldown %s",
				since.Truncate(time.Second), o.cfg.Cooldown)
		}
	}
	if o.cfg.DailyInviteCap > 0 && tc.PriorInviteCount >= o.cfg.DailyInviteCap {
		return fmt.Sprintf("daily invite cap reached: %d of %d", tc.PriorInviteCount, o.cfg.DailyInviteCap)
	}
	return ""
}
