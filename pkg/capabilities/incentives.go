package capabilities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/kfactor/pkg/budget"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// DefaultUnitCosts prices each reward type in pool budget units.
func DefaultUnitCosts() map[contracts.RewardType]int64 {
	return map[contracts.RewardType]int64{
		contracts.RewardStreakShield:    1,
		contracts.RewardGemBoost:        1,
		contracts.RewardPracticePowerUp: 1,
		contracts.RewardXPBoost:         2,
		contracts.RewardClassPass:       5,
	}
}

// Incentives guards reward issuance with per-user counters and the shared
// budget pool. check_reward is read-only; commit_reward records the spend.
type Incentives struct {
	enforcer *budget.Enforcer
	costs    map[contracts.RewardType]int64
	logger   *slog.Logger
	actions  actions
}

// NewIncentives uses DefaultUnitCosts when costs is nil. Unknown reward types
// cost one unit.
func NewIncentives(enforcer *budget.Enforcer, costs map[contracts.RewardType]int64) *Incentives {
	if costs == nil {
		costs = DefaultUnitCosts()
	}
	in := &Incentives{
		enforcer: enforcer,
		costs:    costs,
		logger:   slog.Default().With("component", "incentives"),
	}
	in.actions = actions{
		contracts.ActionCheckReward:  in.check,
		contracts.ActionCommitReward: in.commit,
	}
	return in
}

func (in *Incentives) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return in.actions.handle(ctx, contracts.AgentIncentives, req)
}

// Cost prices a reward pair. The inviter's per-user counters advance by one
// per pair; the pool is charged for both sides. A pair is committed at most
// once per (shortCode, invitee).
func (in *Incentives) Cost(r contracts.RewardRequest) budget.Cost {
	c := budget.Cost{
		Rewards: 1,
		Units:   in.unitCost(r.Rewards.Inviter.Type) + in.unitCost(r.Rewards.Invitee.Type),
		Reason:  fmt.Sprintf("%s/%s", r.LoopID, r.ShortCode),
	}
	if r.ShortCode != "" && r.InviteeID != "" {
		c.Key = r.ShortCode + "|" + r.InviteeID
	}
	return c
}

func (in *Incentives) unitCost(t contracts.RewardType) int64 {
	if c, ok := in.costs[t]; ok {
		return c
	}
	return 1
}

func (in *Incentives) check(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return in.decide(ctx, req, in.enforcer.Check)
}

func (in *Incentives) commit(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return in.decide(ctx, req, in.enforcer.Commit)
}

func (in *Incentives) decide(
	ctx context.Context,
	req *contracts.AgentRequest,
	fn func(context.Context, string, budget.Cost) (*budget.Decision, error),
) (*contracts.AgentResponse, error) {
	r, err := contracts.DecodePayload[contracts.RewardRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if r.InviterID == "" {
		return contracts.Decline(req, contracts.CodeValidation, "inviterId is required"), nil
	}

	cost := in.Cost(r)
	d, err := fn(ctx, r.InviterID, cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}
	if !d.Allowed {
		return contracts.Decline(req, d.Code, d.Reason), nil
	}

	out := contracts.RewardDecision{Approved: true, Units: cost.Units, Reason: d.Reason}
	if d.Receipt != nil {
		out.ReceiptID = d.Receipt.ID
	}
	if req.Action == contracts.ActionCommitReward && !d.Replayed {
		in.logger.InfoContext(ctx, "reward_committed", "inviter_id", r.InviterID, "invitee_id", r.InviteeID,
			"loop_id", r.LoopID, "units", cost.Units, "receipt_id", out.ReceiptID)
	}
	return contracts.OK(req, d.Reason, out), nil
}

// Healthy reports whether the budget ledgers can be read.
func (in *Incentives) Healthy(ctx context.Context) bool {
	_, _, err := in.enforcer.Usage(ctx, budget.PoolKey)
	return err == nil
}
