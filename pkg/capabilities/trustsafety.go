package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/ratelimit"
)

// TrustSafetyConfig holds invite velocity and the deny rules.
type TrustSafetyConfig struct {
	InviteVelocity ratelimit.Policy `yaml:"invite_velocity" json:"inviteVelocity"`
	DenyRules      []Rule           `yaml:"deny_rules" json:"denyRules"`
}

// DefaultTrustSafetyConfig allows six invite triggers a minute with bursts of
// ten, plus DefaultDenyRules.
func DefaultTrustSafetyConfig() TrustSafetyConfig {
	return TrustSafetyConfig{
		InviteVelocity: ratelimit.Policy{PerMinute: 6, Burst: 10},
		DenyRules:      DefaultDenyRules(),
	}
}

// EventSink receives FRAUD_DETECTED events for the guardrail metrics.
type EventSink interface {
	Track(ctx context.Context, ev contracts.Event) error
}

// TrustSafety vets triggers and invitee actions for abuse and scrubs PII.
type TrustSafety struct {
	limiter ratelimit.Store
	policy  ratelimit.Policy
	rules   *ruleSet
	events  EventSink
	logger  *slog.Logger
	actions actions
}

// NewTrustSafety compiles cfg.DenyRules. events may be nil.
func NewTrustSafety(limiter ratelimit.Store, cfg TrustSafetyConfig, events EventSink) (*TrustSafety, error) {
	rules, err := compileRules(cfg.DenyRules)
	if err != nil {
		return nil, err
	}
	ts := &TrustSafety{
		limiter: limiter,
		policy:  cfg.InviteVelocity,
		rules:   rules,
		events:  events,
		logger:  slog.Default().With("component", "trust_safety"),
	}
	ts.actions = actions{
		contracts.ActionCheckFraud: ts.checkFraud,
		contracts.ActionScrubPII:   ts.scrubPII,
	}
	return ts, nil
}

func (ts *TrustSafety) Handle(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	return ts.actions.handle(ctx, contracts.AgentTrustSafety, req)
}

func (ts *TrustSafety) checkFraud(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.FraudCheckRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	if in.Trigger != nil {
		if err := in.Trigger.Validate(); err != nil {
			return invalid(req, err), nil
		}
	}
	actor := in.InviterID
	if actor == "" && in.Trigger != nil {
		actor = in.Trigger.UserID
	}
	if actor == "" {
		return contracts.Decline(req, contracts.CodeValidation, "inviterId or trigger is required"), nil
	}

	var signals []string
	if in.InviteeID != "" && strings.EqualFold(in.InviteeID, actor) {
		return ts.deny(ctx, req, &in, actor, "self-referral"), nil
	}
	if in.DeviceFingerprint != "" && in.DeviceFingerprint == inviterDevice(&in) {
		return ts.deny(ctx, req, &in, actor, "self-referral: inviter and invitee share a device"), nil
	}
	if in.DeviceFingerprint == "" && in.InviteeID != "" {
		signals = append(signals, "no_device_fingerprint")
	}

	rule, err := ts.rules.match(ruleInput(&in, actor))
	if err != nil {
		return nil, err
	}
	if rule != "" {
		return ts.deny(ctx, req, &in, actor, "deny rule matched: "+rule), nil
	}

	// Only invite creation spends velocity tokens.
	if in.Trigger != nil {
		if err := ratelimit.Enforce(ctx, ts.limiter, actor, ts.policy); err != nil {
			if contracts.CodeOf(err) == contracts.CodeRateLimited {
				ts.logger.InfoContext(ctx, "invite_velocity_exceeded", "user_id", actor)
				return contracts.Decline(req, contracts.CodeRateLimited, "invite velocity exceeded"), nil
			}
			return nil, err
		}
	}

	return contracts.OK(req, "no abuse signals", contracts.FraudVerdict{Allowed: true, Signals: signals}), nil
}

func (ts *TrustSafety) deny(ctx context.Context, req *contracts.AgentRequest, in *contracts.FraudCheckRequest, actor, reason string) *contracts.AgentResponse {
	ts.logger.WarnContext(ctx, "abuse_detected", "user_id", actor, "invitee_id", in.InviteeID, "reason", reason)
	cohort := in.Cohort
	if in.Trigger != nil {
		cohort = in.Trigger.Cohort
	}
	if ts.events != nil && cohort != "" {
		opts := []contracts.EventOption{contracts.WithExtra("reason", reason)}
		if in.InviteeID != "" {
			opts = append(opts, contracts.WithExtra("inviteeId", in.InviteeID))
		}
		ev, err := contracts.NewEvent(contracts.EventFraudDetected, actor, cohort, false, opts...)
		if err == nil {
			err = ts.events.Track(ctx, ev)
		}
		if err != nil {
			ts.logger.ErrorContext(ctx, "event_track_failed", "event_type", string(contracts.EventFraudDetected), "error", err)
		}
	}
	return contracts.Decline(req, contracts.CodeAbuseDetected, reason)
}

// ruleInput flattens a fraud check into the map deny rules see. Every key is
// always present so rules never fail on a missing field.
func ruleInput(in *contracts.FraudCheckRequest, actor string) map[string]any {
	m := map[string]any{
		"userId":           actor,
		"inviterId":        in.InviterID,
		"inviteeId":        in.InviteeID,
		"device":           in.DeviceFingerprint,
		"ip":               in.IPAddress,
		"trigger":          "",
		"persona":          "",
		"cohort":           "",
		"channel":          "",
		"age":              int64(0),
		"grade":            int64(0),
		"priorInviteCount": int64(0),
		"inviterDevice":    inviterDevice(in),
	}
	if t := in.Trigger; t != nil {
		m["trigger"] = t.Type.String()
		m["persona"] = t.Persona.String()
		m["cohort"] = t.Cohort
		m["channel"] = string(chooseChannel(t))
		m["age"] = int64(t.Context.Age)
		m["grade"] = int64(t.Context.Grade)
		m["priorInviteCount"] = int64(t.Context.PriorInviteCount)
		if in.DeviceFingerprint == "" {
			m["device"] = t.Context.DeviceFingerprint
		}
		if in.IPAddress == "" {
			m["ip"] = t.Context.IPAddress
		}
	}
	return m
}

// inviterDevice is the device the inviter acted from: the one recorded on
// the link, else the trigger's.
func inviterDevice(in *contracts.FraudCheckRequest) string {
	if in.InviterDevice != "" {
		return in.InviterDevice
	}
	if in.Trigger != nil {
		return in.Trigger.Context.DeviceFingerprint
	}
	return ""
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// ScrubPII redacts email addresses and phone numbers from text.
func ScrubPII(text string) contracts.ScrubResult {
	n := 0
	out := emailPattern.ReplaceAllStringFunc(text, func(string) string {
		n++
		return "[email]"
	})
	out = phonePattern.ReplaceAllStringFunc(out, func(string) string {
		n++
		return "[phone]"
	})
	return contracts.ScrubResult{Text: out, Redactions: n}
}

func (ts *TrustSafety) scrubPII(_ context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
	in, err := contracts.DecodePayload[contracts.ScrubRequest](req)
	if err != nil {
		return invalid(req, err), nil
	}
	res := ScrubPII(in.Text)
	return contracts.OK(req, fmt.Sprintf("%d redaction(s)", res.Redactions), res), nil
}

// Healthy pings the limiter store when it supports it.
func (ts *TrustSafety) Healthy(ctx context.Context) bool {
	if p, ok := ts.limiter.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx) == nil
	}
	return ts.limiter != nil
}
