// Package pipeline runs a trigger end to end: trust & safety, loop
// allocation, then every allocated loop in parallel.
package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/kfactor/pkg/content"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/executor"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
)

// AgentCaller routes requests to capability agents.
type AgentCaller interface {
	Call(ctx context.Context, name string, req *contracts.AgentRequest) *contracts.AgentResponse
}

// LoopRunner executes one loop for a trigger.
type LoopRunner interface {
	Execute(ctx context.Context, loopID string, t *contracts.Trigger) *executor.Result
}

// Outcome is what a trigger produced. Blocked is set only when trust &
// safety refused the trigger; failed loops simply yield no invite.
type Outcome struct {
	Blocked   bool                               `json:"blocked"`
	Rationale string                             `json:"rationale"`
	Error     *contracts.Error                   `json:"error,omitempty"`
	Loops     []string                           `json:"loops"`
	Results   []*executor.Result                 `json:"results"`
	Packs     map[string]*contracts.ReferralPack `json:"packs,omitempty"`
}

// Invites returns the results that produced an invite.
func (o *Outcome) Invites() []*executor.Result {
	var out []*executor.Result
	for _, r := range o.Results {
		if r != nil && r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Pipeline wires the trigger control flow.
type Pipeline struct {
	agents     AgentCaller
	loops      LoopRunner
	summarizer content.Summarizer
	logger     *slog.Logger
	obs        *observability.Provider
}

type Option func(*Pipeline)

// WithSummarizer enriches session triggers that carry a transcript.
func WithSummarizer(s content.Summarizer) Option {
	return func(p *Pipeline) { p.summarizer = s }
}

func WithProvider(obs *observability.Provider) Option {
	return func(p *Pipeline) {
		if obs != nil {
			p.obs = obs
		}
	}
}

func New(agents AgentCaller, loops LoopRunner, opts ...Option) *Pipeline {
	p := &Pipeline{
		agents: agents,
		loops:  loops,
		logger: slog.Default().With("component", "pipeline"),
		obs:    observability.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleTrigger runs t through trust & safety, the orchestrator and every
// allocated loop. A trust & safety decline or outage blocks the trigger.
func (p *Pipeline) HandleTrigger(ctx context.Context, t *contracts.Trigger) *Outcome {
	if err := t.Validate(); err != nil {
		ce := contracts.AsError(err)
		return &Outcome{Rationale: ce.Message, Error: ce, Loops: []string{}}
	}
	ctx, finish := p.obs.TrackOperation(ctx, "pipeline.trigger", observability.LoopOperation("", t.Persona.String(), t.Type.String())...)
	var out *Outcome
	defer func() {
		var err error
		if out.Error != nil && !out.Error.Code.IsPolicyDecline() {
			err = out.Error
		}
		finish(err)
	}()

	fraud := p.agents.Call(ctx, contracts.AgentTrustSafety, contracts.NewAgentRequest(
		contracts.AgentTrustSafety, t.UserID, contracts.ActionCheckFraud,
		contracts.FraudCheckRequest{Trigger: t, IPAddress: t.Context.IPAddress},
	))
	if !fraud.Success {
		p.logger.WarnContext(ctx, "trigger_blocked", "user_id", t.UserID, "trigger", t.Type.String(),
			"code", string(fraud.ErrorCode()), "reason", fraud.Rationale)
		out = &Outcome{Blocked: true, Rationale: fraud.Rationale, Error: fraud.Error, Loops: []string{}}
		return out
	}

	trig := *t
	p.enrich(ctx, &trig)

	alloc := p.agents.Call(ctx, contracts.AgentOrchestrator, contracts.NewAgentRequest(
		contracts.AgentOrchestrator, t.UserID, contracts.ActionAllocateLoops,
		contracts.AllocateLoopsRequest{Trigger: trig},
	))
	if !alloc.Success {
		p.logger.WarnContext(ctx, "allocation_failed", "user_id", t.UserID, "reason", alloc.Rationale)
		out = &Outcome{Rationale: alloc.Rationale, Error: alloc.Error, Loops: []string{}}
		return out
	}
	a, err := contracts.Decode[contracts.LoopAllocation](alloc.Data)
	if err != nil {
		ce := contracts.AsError(err)
		out = &Outcome{Rationale: ce.Message, Error: ce, Loops: []string{}}
		return out
	}

	out = &Outcome{Rationale: a.Reason, Loops: a.Loops, Results: make([]*executor.Result, len(a.Loops))}
	packs := make([]*contracts.ReferralPack, len(a.Loops))

	var g errgroup.Group
	for i, loopID := range a.Loops {
		i, loopID := i, loopID
		g.Go(func() error {
			lt := trig
			res := p.loops.Execute(ctx, loopID, &lt)
			out.Results[i] = res
			if !res.Success {
				p.logger.InfoContext(ctx, "loop_execute_failed", "loop_id", loopID, "user_id", t.UserID,
					"state", string(res.State), "reason", res.Rationale)
				return nil
			}
			packs[i] = p.pack(ctx, &lt, res)
			return nil
		})
	}
	_ = g.Wait()

	for i, pk := range packs {
		if pk == nil {
			continue
		}
		if out.Packs == nil {
			out.Packs = make(map[string]*contracts.ReferralPack)
		}
		out.Packs[a.Loops[i]] = pk
	}
	return out
}

// enrich scrubs the transcript and fills skill gaps from its summary. Any
// failure leaves the trigger without a transcript.
func (p *Pipeline) enrich(ctx context.Context, t *contracts.Trigger) {
	if t.Context.Transcript == "" {
		return
	}
	resp := p.agents.Call(ctx, contracts.AgentTrustSafety, contracts.NewAgentRequest(
		contracts.AgentTrustSafety, t.UserID, contracts.ActionScrubPII,
		contracts.ScrubRequest{Text: t.Context.Transcript},
	))
	scrubbed, err := contracts.Decode[contracts.ScrubResult](resp.Data)
	if !resp.Success || err != nil {
		p.logger.WarnContext(ctx, "transcript_dropped", "user_id", t.UserID, "reason", resp.Rationale)
		t.Context.Transcript = ""
		return
	}
	t.Context.Transcript = scrubbed.Text
	if err := content.Enrich(ctx, p.summarizer, &t.Context); err != nil {
		p.logger.WarnContext(ctx, "summary_failed", "user_id", t.UserID, "error", err)
	}
}

// pack asks advocacy for share messages. Advocacy is optional; an outage
// only loses the pack.
func (p *Pipeline) pack(ctx context.Context, t *contracts.Trigger, res *executor.Result) *contracts.ReferralPack {
	if res.Invite == nil || res.Invite.Link == nil {
		return nil
	}
	resp := p.agents.Call(ctx, contracts.AgentAdvocacy, contracts.NewAgentRequest(
		contracts.AgentAdvocacy, t.UserID, contracts.ActionGeneratePack,
		contracts.PackRequest{
			LoopID:   res.LoopID,
			Persona:  t.Persona,
			ShortURL: res.Invite.Link.ShortURL,
			Copy:     res.Invite.Copy,
		},
	))
	if !resp.Success {
		p.logger.InfoContext(ctx, "referral_pack_skipped", "loop_id", res.LoopID, "reason", resp.Rationale)
		return nil
	}
	pk, err := contracts.Decode[contracts.ReferralPack](resp.Data)
	if err != nil {
		return nil
	}
	return &pk
}
