package loops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// streakRiskWindow is how close to expiry a streak must be to count as at risk.
const streakRiskWindow = 24 * time.Hour

// Deps are the collaborators every loop shares.
type Deps struct {
	Links    Linker
	Progress ProgressStore
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Progress == nil {
		d.Progress = NewMemoryProgressStore()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type eligibilityFunc func(tc *contracts.TriggerContext, now time.Time) Eligibility

type linkShaper func(tc *contracts.TriggerContext, req *attribution.LinkRequest)

// loop is the shared state machine behind every built-in loop. The kinds
// differ only in their policy row, eligibility gate and link shaping.
type loop struct {
	policy   Policy
	eligible eligibilityFunc
	shape    linkShaper
	deps     Deps
}

// New builds the built-in loop of kind k.
func New(k Kind, deps Deps) (Definition, error) {
	if k >= KindCount {
		return nil, fmt.Errorf("loops: unknown kind %d", uint8(k))
	}
	if deps.Links == nil {
		return nil, fmt.Errorf("loops: link issuer is required")
	}
	return &loop{
		policy:   policies[k],
		eligible: gates[k],
		shape:    shapers[k],
		deps:     deps.withDefaults(),
	}, nil
}

var gates = [KindCount]eligibilityFunc{
	KindBuddyChallenge: func(tc *contracts.TriggerContext, _ time.Time) Eligibility {
		if tc.PracticeScore != nil || tc.ChallengeDeckID != "" {
			return eligible("practice result available to challenge a buddy")
		}
		return ineligible("no practice score or challenge deck")
	},
	KindStreakRescue: func(tc *contracts.TriggerContext, now time.Time) Eligibility {
		if tc.CurrentStreak <= 0 {
			return ineligible("no active streak")
		}
		if tc.StreakExpiresAt == nil {
			return ineligible("streak expiry unknown")
		}
		left := tc.StreakExpiresAt.Sub(now)
		if left < 0 {
			return ineligible("streak already expired")
		}
		if left > streakRiskWindow {
			return ineligible(fmt.Sprintf("streak not at risk, expires in %.0fh", left.Hours()))
		}
		return eligible(fmt.Sprintf("%d-day streak expires in %.0fh", tc.CurrentStreak, left.Hours()))
	},
	KindResultsRally: func(tc *contracts.TriggerContext, _ time.Time) Eligibility {
		if tc.Score != nil || tc.Percentile != nil {
			return eligible("results available to share")
		}
		return ineligible("no score or percentile")
	},
	KindProudParent: func(tc *contracts.TriggerContext, _ time.Time) Eligibility {
		if tc.Milestone != "" || len(tc.Progress) > 0 {
			return eligible("progress worth sharing")
		}
		return ineligible("no milestone or progress payload")
	},
	KindTutorSpotlight: func(tc *contracts.TriggerContext, _ time.Time) Eligibility {
		if tc.SessionRating >= 5 {
			return eligible("five-star session")
		}
		return ineligible(fmt.Sprintf("session rated %d, needs 5", tc.SessionRating))
	},
}

var shapers = [KindCount]linkShaper{
	KindBuddyChallenge: func(tc *contracts.TriggerContext, req *attribution.LinkRequest) {
		req.ChallengeID = tc.ChallengeDeckID
	},
	KindStreakRescue: func(tc *contracts.TriggerContext, req *attribution.LinkRequest) {
		if tc.StreakExpiresAt != nil {
			req.ExpiresAt = *tc.StreakExpiresAt
		}
	},
	KindResultsRally:   func(*contracts.TriggerContext, *attribution.LinkRequest) {},
	KindProudParent:    func(*contracts.TriggerContext, *attribution.LinkRequest) {},
	KindTutorSpotlight: func(*contracts.TriggerContext, *attribution.LinkRequest) {},
}

func eligible(reason string) Eligibility   { return Eligibility{Eligible: true, Reason: reason} }
func ineligible(reason string) Eligibility { return Eligibility{Reason: reason} }

func (l *loop) ID() string                    { return l.policy.Kind.ID() }
func (l *loop) Kind() Kind                    { return l.policy.Kind }
func (l *loop) Personas() []contracts.Persona { return append([]contracts.Persona(nil), l.policy.Personas...) }
func (l *loop) FVMType() contracts.FVMType    { return l.policy.FVMType }
func (l *loop) Policy() Policy                { return l.policy }

func (l *loop) IsEligible(_ context.Context, t *contracts.Trigger) (Eligibility, error) {
	if err := t.Validate(); err != nil {
		return Eligibility{}, err
	}
	if !l.policy.Supports(t.Persona) {
		return ineligible(fmt.Sprintf("%s does not run for %s", l.ID(), t.Persona)), nil
	}
	return l.eligible(&t.Context, l.deps.Now()), nil
}

func (l *loop) GenerateInvite(ctx context.Context, req InviteRequest) (*Invite, error) {
	t := &req.Trigger
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !l.policy.Supports(t.Persona) {
		return nil, contracts.Errorf(contracts.CodeIneligible, "%s does not run for %s", l.ID(), t.Persona)
	}

	channel := req.Personalization.Channel
	if channel == "" {
		channel = contracts.ChannelCopy
	}
	lr := attribution.LinkRequest{
		InviterID:  t.UserID,
		LoopID:     l.ID(),
		Persona:    t.Persona,
		FVMType:    l.policy.FVMType,
		Cohort:     t.Cohort,
		Subject:    t.Context.Subject,
		Skill:      t.Context.Skill,
		Difficulty: t.Context.Difficulty,

		DeviceFingerprint: t.Context.DeviceFingerprint,
		UTM: attribution.UTM{
			Campaign: l.ID(),
			Term:     t.Context.Skill,
			Content:  string(channel),
		},
	}
	l.shape(&t.Context, &lr)

	link, err := l.deps.Links.GenerateLink(ctx, lr)
	if err != nil {
		return nil, fmt.Errorf("%s: generate link: %w", l.ID(), err)
	}

	inv := &Invite{
		InviteID:  link.LinkID,
		LoopID:    l.ID(),
		InviterID: t.UserID,
		Link:      link,
		Copy:      req.Personalization.Copy,
		Channel:   channel,
		Reward:    l.policy.Rewards(),
		CreatedAt: link.Metadata.CreatedAt,
	}
	if req.Personalization.Reward != nil {
		inv.Reward = *req.Personalization.Reward
	}
	if deadline, ok := l.deadline(link); ok {
		inv.RewardDeadline = &deadline
	}
	return inv, nil
}

// deadline returns the last instant an FVM earns the reward.
func (l *loop) deadline(link *attribution.Link) (time.Time, bool) {
	switch l.policy.WindowMode {
	case WindowFromCreation:
		return link.Metadata.CreatedAt.Add(l.policy.Window), true
	case WindowUntilExpiry:
		return link.ExpiresAt, true
	}
	return time.Time{}, false
}

func (l *loop) checkLink(link *attribution.Link, invitee *contracts.Invitee) error {
	if link == nil {
		return contracts.NewError(contracts.CodeValidation, "link is required")
	}
	if err := invitee.Validate(); err != nil {
		return err
	}
	if link.Metadata.LoopID != l.ID() {
		return contracts.Errorf(contracts.CodeValidation, "link %s belongs to loop %s, not %s",
			link.ShortCode, link.Metadata.LoopID, l.ID())
	}
	return nil
}

func (l *loop) ProcessJoin(ctx context.Context, link *attribution.Link, invitee contracts.Invitee) (*JoinResult, error) {
	if err := l.checkLink(link, &invitee); err != nil {
		return nil, err
	}
	res := &JoinResult{LoopID: l.ID(), InviterID: link.Metadata.InviterID}
	if invitee.UserID == link.Metadata.InviterID {
		res.Reason = "self-referral"
		return res, nil
	}

	now := l.deps.Now().UTC()
	p, err := l.deps.Progress.Update(ctx, link.ShortCode, invitee.UserID, func(p *Progress) error {
		p.LoopID = l.ID()
		if p.JoinedAt != nil {
			res.Duplicate = true
			return nil
		}
		p.JoinedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: record join: %w", l.ID(), err)
	}
	res.Accepted = true
	res.JoinedAt = *p.JoinedAt
	if res.Duplicate {
		res.Reason = "already joined"
	} else {
		res.Reason = "joined"
	}
	return res, nil
}

var errNoWrite = errors.New("loops: leave progress unchanged")

func (l *loop) ProcessFVM(ctx context.Context, link *attribution.Link, invitee contracts.Invitee) (*FVMResult, error) {
	if err := l.checkLink(link, &invitee); err != nil {
		return nil, err
	}
	res := &FVMResult{LoopID: l.ID(), InviterID: link.Metadata.InviterID}
	if invitee.UserID == link.Metadata.InviterID {
		res.Reason = "conditions not met: self-referral"
		return res, nil
	}

	now := l.deps.Now().UTC()
	if deadline, ok := l.deadline(link); ok && now.After(deadline) {
		res.Reason = fmt.Sprintf("conditions not met: outside reward window (deadline %s)", deadline.UTC().Format(time.RFC3339))
		return res, nil
	}

	var needJoin bool
	p, err := l.deps.Progress.Update(ctx, link.ShortCode, invitee.UserID, func(p *Progress) error {
		if p.FVMAt != nil {
			res.Duplicate = true
			res.Progress = p.clone()
			return errNoWrite
		}
		if l.policy.JoinRequired && p.JoinedAt == nil {
			needJoin = true
			return errNoWrite
		}
		p.LoopID = l.ID()
		p.FVMAt = &now
		return nil
	})
	switch {
	case errors.Is(err, errNoWrite):
	case err != nil:
		return nil, fmt.Errorf("%s: record fvm: %w", l.ID(), err)
	}

	if res.Duplicate {
		res.Qualified = res.Progress.Outcome == OutcomeGranted
		res.Reason = "already reached"
		res.Rewards = res.Progress.Rewards
		res.ReachedAt = *res.Progress.FVMAt
		return res, nil
	}
	if needJoin {
		res.Reason = "conditions not met: join required before FVM"
		return res, nil
	}

	rewards := l.policy.Rewards()
	res.Qualified = true
	res.Reason = "first value moment reached"
	res.Rewards = &rewards
	res.ReachedAt = *p.FVMAt
	return res, nil
}
