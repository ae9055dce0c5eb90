package capabilities

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

// variantSlots is the resolution of experiment bucketing.
const variantSlots = 10000

// Experimentation logs viral events, computes K-factor and assigns
// experiment arms.
type Experimentation struct {
	engine  *analytics.Engine
	actions actions
}

func NewExperimentation(engine *analytics.Engine) *Experimentation {
	x := &Experimentation{engine: engine}
	x.actions = actions{
		contracts.ActionLogEvent:         x.logEvent,
		contracts.ActionCalculateKFactor: x.kfactor,
		contracts.ActionAssignVariant:    x.assignVariant,
	}
	return x
}

func (x *Experimentation) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return x.actions.handle(ctx, contracts.AgentExperimentation, req)
}

func (x *Experimentation) logEvent(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	ev, err := contracts.DecodePayload[contracts.Event](req)
	if err != nil {
		return invalid(req, err), nil
	}
	// A retried request carries the same id, so the event is stored once.
	if ev.ID == "" {
		ev.ID = req.RequestID
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if err := ev.Validate(); err != nil {
		return invalid(req, err), nil
	}
	if err := x.engine.Track(ctx, ev); err != nil {
		if contracts.CodeOf(err) == contracts.CodeValidation {
			return invalid(req, err), nil
		}
		return nil, err
	}
	return contracts.OK(req, "event logged", ev), nil
}

func (x *Experimentation) kfactor(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.KFactorRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if strings.TrimSpace(in.Cohort) == "" {
		return contracts.Decline(req, contracts.CodeValidation, "cohort is required"), nil
	}
	m, err := x.engine.CalculateKFactor(ctx, in.Cohort, in.TimeRange)
	if err != nil {
		return nil, err
	}
	return contracts.OK(req, fmt.Sprintf("K=%.2f against target %.2f", m.KFactor, m.Target), m), nil
}

func (x *Experimentation) assignVariant(_ context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.VariantRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if strings.TrimSpace(req.UserID) == "" {
		return contracts.Decline(req, contracts.CodeValidation, "userId is required for variant assignment"), nil
	}
	if in.Experiment == "" || len(in.Variants) == 0 {
		return contracts.Decline(req, contracts.CodeValidation, "experiment and at least one variant are required"), nil
	}
	a := AssignVariant(req.UserID, in.Experiment, in.Variants)
	return contracts.OK(req, fmt.Sprintf("bucket %d", a.Bucket), a), nil
}

// AssignVariant deterministically maps a user to one arm of an experiment.
// Arms split the bucket space evenly in the order given.
func AssignVariant(userID, experiment string, variants []string) contracts.VariantAssignment {
	hash := crc32.ChecksumIEEE([]byte(strings.ToLower(userID) + ":" + experiment))
	bucket := int(hash % variantSlots)
	return contracts.VariantAssignment{
		Experiment: experiment,
		Variant:    variants[bucket*len(variants)/variantSlots],
		Bucket:     bucket,
	}
}
