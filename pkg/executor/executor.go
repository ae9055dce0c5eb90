package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
)

// Executor is the loop executor.
type Executor struct {
	registry *loops.Registry
	agents   AgentCaller
	links    LinkResolver
	events   EventSink

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	obs     *observability.Provider
}

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithProvider(p *observability.Provider) Option {
	return func(e *Executor) {
		if p != nil {
			e.obs = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor.
func New(registry *loops.Registry, agents AgentCaller, links LinkResolver, events EventSink, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		agents:   agents,
		links:    links,
		events:   events,
		now:      time.Now,
		logger:   slog.Default().With("component", "executor"),
		obs:      observability.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one loop for a trigger up to a sent invite.
func (e *Executor) Execute(ctx context.Context, loopID string, t *contracts.Trigger) (res *Result) {
	var persona, trig string
	if t != nil {
		persona, trig = t.Persona.String(), t.Type.String()
	}
	ctx, finish := e.obs.TrackOperation(ctx, "loop.execute", observability.LoopOperation(loopID, persona, trig)...)
	defer func() {
		if r := recover(); r != nil {
			res = e.panicked(ctx, "execute", loopID, r)
		}
		e.metrics.ObserveLoopExecution(loopID, string(res.State))
		finish(res.err())
	}()

	if err := t.Validate(); err != nil {
		return failed(loopID, err)
	}
	def, err := e.registry.Get(loopID)
	if err != nil {
		return failed(loopID, err)
	}

	el, err := def.IsEligible(ctx, t)
	if err != nil {
		return e.loopError(ctx, "is_eligible", loopID, err)
	}
	if !el.Eligible {
		return &Result{
			State:     StateIneligible,
			LoopID:    loopID,
			Rationale: el.Reason,
			Error:     contracts.NewError(contracts.CodeIneligible, el.Reason),
		}
	}

	resp := e.agents.Call(ctx, contracts.AgentPersonalization, contracts.NewAgentRequest(
		contracts.AgentPersonalization, t.UserID, contracts.ActionPersonalize,
		contracts.PersonalizeRequest{LoopID: loopID, Trigger: *t},
	))
	if !resp.Success {
		return personalizationFailed(loopID, resp.Rationale, resp.Error)
	}
	p, err := contracts.Decode[contracts.Personalization](resp.Data)
	if err != nil {
		return personalizationFailed(loopID, err.Error(), contracts.AsError(err))
	}

	inv, err := def.GenerateInvite(ctx, loops.InviteRequest{Trigger: *t, Personalization: p})
	if err != nil {
		return e.loopError(ctx, "generate_invite", loopID, err)
	}

	code := inv.Link.ShortCode
	common := []contracts.EventOption{
		contracts.WithLoop(loopID),
		contracts.WithInvite(code, inv.InviteID),
		contracts.WithFVMType(def.FVMType()),
		contracts.WithChannel(inv.Channel),
		contracts.At(e.now()),
	}
	e.track(ctx, contracts.EventLoopTriggered, t.UserID, t.Cohort, false,
		append(common, contracts.WithExtra("trigger", t.Type.String()), contracts.WithExtra("persona", t.Persona.String()))...)
	e.track(ctx, contracts.EventInviteSent, t.UserID, t.Cohort, false, common...)

	e.logger.InfoContext(ctx, "invite_generated", "loop_id", loopID, "user_id", t.UserID, "short_code", code, "channel", string(inv.Channel))
	return &Result{
		Success:   true,
		State:     StateInviteGenerated,
		LoopID:    loopID,
		ShortCode: code,
		Rationale: el.Reason,
		Invite:    inv,
	}
}

// ProcessJoin records an invitee following the invite behind shortCode.
func (e *Executor) ProcessJoin(ctx context.Context, shortCode string, invitee contracts.Invitee) (res *Result) {
	ctx, finish := e.obs.TrackOperation(ctx, "loop.join", observability.LinkOperation(shortCode, "")...)
	defer func() {
		if r := recover(); r != nil {
			res = e.panicked(ctx, "process_join", res.loopID(), r)
		}
		e.metrics.ObserveLoopExecution(res.loopID(), string(res.State))
		finish(res.err())
	}()

	link, def, res := e.resolve(ctx, shortCode, &invitee)
	if res != nil {
		return res
	}
	loopID := def.ID()
	if res := e.vet(ctx, link, invitee, StateInviteGenerated); res != nil {
		return res
	}

	join, err := def.ProcessJoin(ctx, link, invitee)
	if err != nil {
		return e.loopError(ctx, "process_join", loopID, err)
	}
	res = &Result{
		LoopID:    loopID,
		ShortCode: link.ShortCode,
		Rationale: join.Reason,
		Join:      join,
		Duplicate: join.Duplicate,
	}
	if !join.Accepted {
		res.State = StateInviteGenerated
		res.Error = contracts.NewError(contracts.CodeIneligible, join.Reason)
		return res
	}
	res.Success = true
	res.State = StateJoined
	if join.Duplicate {
		return res
	}

	cohort := inviteeCohort(link, invitee)
	opts := e.inviteeOptions(link, invitee)
	e.track(ctx, contracts.EventInviteOpened, invitee.UserID, cohort, true, opts...)
	if invitee.NewAccount {
		e.track(ctx, contracts.EventAccountCreated, invitee.UserID, cohort, true, opts...)
	}
	return res
}

// ProcessFVM records the invitee's first value moment and, when the loop's
// conditions hold and incentives approve, issues the reward pair. Repeating
// it for the same (shortCode, invitee) returns the original outcome.
func (e *Executor) ProcessFVM(ctx context.Context, shortCode string, invitee contracts.Invitee) (res *Result) {
	ctx, finish := e.obs.TrackOperation(ctx, "loop.fvm", observability.LinkOperation(shortCode, "")...)
	defer func() {
		if r := recover(); r != nil {
			res = e.panicked(ctx, "process_fvm", res.loopID(), r)
		}
		e.metrics.ObserveLoopExecution(res.loopID(), string(res.State))
		finish(res.err())
	}()

	link, def, res := e.resolve(ctx, shortCode, &invitee)
	if res != nil {
		return res
	}
	loopID := def.ID()
	if res := e.vet(ctx, link, invitee, StateJoined); res != nil {
		return res
	}

	fvm, err := def.ProcessFVM(ctx, link, invitee)
	if err != nil {
		return e.loopError(ctx, "process_fvm", loopID, err)
	}
	res = &Result{LoopID: loopID, ShortCode: link.ShortCode}

	if fvm.Duplicate {
		res.Success = true
		res.State = StateFVMReached
		res.Duplicate = true
		res.Rewards = fvm.Rewards
		res.RewardStatus = fvm.Progress.Outcome
		res.Rationale = "first value moment already recorded"
		if fvm.Progress.Reason != "" {
			res.Rationale += ": " + fvm.Progress.Reason
		}
		return res
	}
	if !fvm.Qualified {
		res.State = StateJoined
		res.Rationale = fvm.Reason
		res.Error = contracts.NewError(contracts.CodeIneligible, fvm.Reason)
		return res
	}

	cohort := inviteeCohort(link, invitee)
	e.track(ctx, contracts.EventFVMReached, invitee.UserID, cohort, true, e.inviteeOptions(link, invitee)...)

	res.Success = true
	res.State = StateFVMReached
	status, reason := e.approveReward(ctx, link, invitee, fvm.Rewards)
	res.RewardStatus = status
	res.Rationale = reason
	if status == RewardGranted {
		res.Rewards = fvm.Rewards
	}

	_, err = e.registry.Progress().Update(ctx, link.ShortCode, invitee.UserID, func(p *loops.Progress) error {
		p.Outcome = status
		p.Reason = reason
		p.Rewards = res.Rewards
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "reward_outcome_persist_failed", "loop_id", loopID, "short_code", link.ShortCode, "error", err)
	}

	if status == RewardGranted {
		e.metrics.ObserveRewardIssued(loopID)
		for _, side := range []struct {
			user   string
			reward contracts.Reward
			role   string
		}{
			{link.Metadata.InviterID, fvm.Rewards.Inviter, "inviter"},
			{invitee.UserID, fvm.Rewards.Invitee, "invitee"},
		} {
			e.track(ctx, contracts.EventRewardClaimed, side.user, cohort, side.role == "invitee",
				append(e.inviteeOptions(link, invitee),
					contracts.WithExtra("role", side.role),
					contracts.WithExtra("rewardType", string(side.reward.Type)),
					contracts.WithExtra("amount", side.reward.Amount))...)
		}
	}
	return res
}

// approveReward asks incentives to check, then commit, the reward pair. Any
// degraded answer withholds the reward.
func (e *Executor) approveReward(ctx context.Context, link *attribution.Link, invitee contracts.Invitee, pair *contracts.RewardPair) (string, string) {
	req := contracts.RewardRequest{
		InviterID: link.Metadata.InviterID,
		InviteeID: invitee.UserID,
		LoopID:    link.Metadata.LoopID,
		ShortCode: link.ShortCode,
		Rewards:   *pair,
	}
	for _, action := range []string{contracts.ActionCheckReward, contracts.ActionCommitReward} {
		resp := e.agents.Call(ctx, contracts.AgentIncentives, contracts.NewAgentRequest(
			contracts.AgentIncentives, link.Metadata.InviterID, action, req))
		if resp.Degraded() {
			e.logger.WarnContext(ctx, "reward_withheld", "loop_id", req.LoopID, "short_code", req.ShortCode, "reason", resp.Rationale)
			return RewardWithheld, "reward withheld: " + resp.Rationale
		}
		if !resp.Success {
			e.logger.InfoContext(ctx, "reward_declined", "loop_id", req.LoopID, "short_code", req.ShortCode,
				"code", string(resp.ErrorCode()), "reason", resp.Rationale)
			return RewardDeclined, "reward declined: " + resp.Rationale
		}
	}
	return RewardGranted, "first value moment reached, rewards issued"
}

// resolve validates the invitee and maps shortCode to its link and loop. The
// loop comes from the link's own metadata. A non-nil *Result ends the call.
func (e *Executor) resolve(ctx context.Context, shortCode string, invitee *contracts.Invitee) (*attribution.Link, loops.Definition, *Result) {
	if err := invitee.Validate(); err != nil {
		return nil, nil, failed("", err)
	}
	link, err := e.links.ResolveLink(ctx, shortCode)
	switch {
	case errors.Is(err, attribution.ErrLinkExpired):
		return nil, nil, &Result{
			State:     StateExpired,
			ShortCode: shortCode,
			Rationale: "invite link expired",
			Error:     contracts.AsError(err),
		}
	case attribution.IsNotFound(err):
		return nil, nil, &Result{
			State:     StateFailed,
			ShortCode: shortCode,
			Rationale: "invite link not found",
			Error:     contracts.AsError(err),
		}
	case err != nil:
		e.logger.ErrorContext(ctx, "link_resolve_failed", "short_code", shortCode, "error", err)
		return nil, nil, &Result{
			State:     StateFailed,
			ShortCode: shortCode,
			Rationale: "link resolution failed",
			Error:     contracts.NewError(contracts.CodeInternal, err.Error()),
		}
	}
	def, err := e.registry.Get(link.Metadata.LoopID)
	if err != nil {
		return nil, nil, failed(link.Metadata.LoopID, err)
	}
	return link, def, nil
}

// vet runs the invitee past trust & safety before any progress is recorded.
// A degraded check rejects the invitee. A nil *Result lets the call proceed.
func (e *Executor) vet(ctx context.Context, link *attribution.Link, invitee contracts.Invitee, state State) *Result {
	resp := e.agents.Call(ctx, contracts.AgentTrustSafety, contracts.NewAgentRequest(
		contracts.AgentTrustSafety, invitee.UserID, contracts.ActionCheckFraud,
		contracts.FraudCheckRequest{
			InviterID:         link.Metadata.InviterID,
			InviteeID:         invitee.UserID,
			DeviceFingerprint: invitee.DeviceFingerprint,
			InviterDevice:     link.Metadata.InviterDevice,
			Cohort:            inviteeCohort(link, invitee),
		},
	))
	if resp.Success {
		return nil
	}
	e.logger.WarnContext(ctx, "invitee_rejected", "loop_id", link.Metadata.LoopID, "short_code", link.ShortCode,
		"invitee_id", invitee.UserID, "code", string(resp.ErrorCode()), "reason", resp.Rationale)
	return &Result{
		State:     state,
		LoopID:    link.Metadata.LoopID,
		ShortCode: link.ShortCode,
		Rationale: resp.Rationale,
		Error:     resp.Error,
	}
}

func (e *Executor) inviteeOptions(link *attribution.Link, invitee contracts.Invitee) []contracts.EventOption {
	opts := []contracts.EventOption{
		contracts.WithLoop(link.Metadata.LoopID),
		contracts.WithInvite(link.ShortCode, link.LinkID),
		contracts.WithInviter(link.Metadata.InviterID),
		contracts.WithFVMType(link.Metadata.FVMType),
	}
	if !invitee.OccurredAt.IsZero() {
		opts = append(opts, contracts.At(invitee.OccurredAt))
	} else {
		opts = append(opts, contracts.At(e.now()))
	}
	return opts
}

// inviteeCohort tags invitee events with the inviting cohort so K-factor and
// uplift are computed per inviting cohort.
func inviteeCohort(link *attribution.Link, invitee contracts.Invitee) string {
	if link.Metadata.Cohort != "" {
		return link.Metadata.Cohort
	}
	return invitee.Cohort
}

// track logs an event through the experimentation agent. The event id is
// fixed before the call so retries land once; when the agent is degraded
// the event goes straight to the sink.
func (e *Executor) track(ctx context.Context, typ contracts.EventType, userID, cohort string, referred bool, opts ...contracts.EventOption) {
	ev, err := contracts.NewEvent(typ, userID, cohort, referred, opts...)
	if err != nil {
		e.logger.ErrorContext(ctx, "event_track_failed", "event_type", string(typ), "user_id", userID, "error", err)
		return
	}
	resp := e.agents.Call(ctx, contracts.AgentExperimentation, contracts.NewAgentRequest(
		contracts.AgentExperimentation, userID, contracts.ActionLogEvent, ev))
	switch {
	case resp.Success:
		return
	case !resp.Degraded():
		e.logger.ErrorContext(ctx, "event_track_failed", "event_type", string(typ), "user_id", userID, "error", resp.Rationale)
		return
	}
	if err := e.events.Track(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "event_track_failed", "event_type", string(typ), "user_id", userID, "error", err)
	}
}

func (e *Executor) loopError(ctx context.Context, op, loopID string, err error) *Result {
	code := contracts.CodeOf(err)
	if code == contracts.CodeInternal {
		e.logger.ErrorContext(ctx, "loop_operation_failed", "op", op, "loop_id", loopID, "error", err)
	}
	return &Result{
		State:     StateFailed,
		LoopID:    loopID,
		Rationale: fmt.Sprintf("%s failed: %v", op, err),
		Error:     contracts.NewError(code, err.Error()),
	}
}

func (e *Executor) panicked(ctx context.Context, op, loopID string, r any) *Result {
	e.logger.ErrorContext(ctx, "loop_operation_panicked", "op", op, "loop_id", loopID, "panic", r, "stack", string(debug.Stack()))
	msg := fmt.Sprintf("%s panicked: %v", op, r)
	return &Result{
		State:     StateFailed,
		LoopID:    loopID,
		Rationale: msg,
		Error:     contracts.NewError(contracts.CodeInternal, msg),
	}
}

func failed(loopID string, err error) *Result {
	ce := contracts.AsError(err)
	return &Result{
		State:     StateFailed,
		LoopID:    loopID,
		Rationale: err.Error(),
		Error:     ce,
	}
}

func personalizationFailed(loopID, reason string, ce *contracts.Error) *Result {
	return &Result{
		State:     StatePersonalizationFailed,
		LoopID:    loopID,
		Rationale: "Personalization failed: " + reason,
		Error:     ce,
	}
}

func (r *Result) loopID() string {
	if r == nil {
		return ""
	}
	return r.LoopID
}

// err reports failures worth recording on the trace. Policy declines are
// normal outcomes and are not.
func (r *Result) err() error {
	if r == nil || r.Error == nil || r.Error.Code.IsPolicyDecline() {
		return nil
	}
	return r.Error
}
