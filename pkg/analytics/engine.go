// Package analytics derives K-factor, loop funnels, guardrail health and
// cohort uplift from the append-only event log. Every read is a pure scan
// over the store, so reads are safe to run concurrently with appends.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/store"
)

// DefaultKFactorTarget is the growth coefficient a cohort must reach.
const DefaultKFactorTarget = 1.20

// retentionSpan is how long a user's activity must span to count as retained.
const retentionSpan = 24 * time.Hour

// Guardrails are the harm thresholds of the growth mechanism.
type Guardrails struct {
	MaxComplaintRate  float64 `yaml:"max_complaint_rate" json:"maxComplaintRate"`
	MaxOptOutRate     float64 `yaml:"max_opt_out_rate" json:"maxOptOutRate"`
	MaxFraudRate      float64 `yaml:"max_fraud_rate" json:"maxFraudRate"`
	MaxSupportTickets int     `yaml:"max_support_tickets" json:"maxSupportTickets"`
}

// DefaultGuardrails returns complaint 1%, opt-out 1%, fraud 0.5%, 100 tickets.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxComplaintRate:  0.01,
		MaxOptOutRate:     0.01,
		MaxFraudRate:      0.005,
		MaxSupportTickets: 100,
	}
}

type KFactorMetrics struct {
	Cohort         string              `json:"cohort"`
	Invites        int                 `json:"invites"`
	Inviters       int                 `json:"inviters"`
	FVMs           int                 `json:"fvms"`
	InvitesPerUser float64             `json:"invitesPerUser"`
	ConversionRate float64             `json:"conversionRate"`
	KFactor        float64             `json:"kFactor"`
	Target         float64             `json:"target"`
	TargetMet      bool                `json:"targetMet"`
	TimeRange      contracts.TimeRange `json:"timeRange"`
}

type LoopMetrics struct {
	LoopID         string  `json:"loopId"`
	TotalInvites   int     `json:"totalInvites"`
	TotalOpens     int     `json:"totalOpens"`
	TotalJoins     int     `json:"totalJoins"`
	TotalFVM       int     `json:"totalFVM"`
	ConversionRate float64 `json:"conversionRate"`
}

type GuardrailMetrics struct {
	TotalEvents    int      `json:"totalEvents"`
	ComplaintRate  float64  `json:"complaintRate"`
	OptOutRate     float64  `json:"optOutRate"`
	FraudRate      float64  `json:"fraudRate"`
	SupportTickets int      `json:"supportTickets"`
	Healthy        bool     `json:"healthy"`
	Breaches       []string `json:"breaches,omitempty"`
}

// GroupMetrics describes one side of a cohort split.
type GroupMetrics struct {
	Users         int     `json:"users"`
	FVMUsers      int     `json:"fvmUsers"`
	FVMRate       float64 `json:"fvmRate"`
	RetainedUsers int     `json:"retainedUsers"`
	RetentionRate float64 `json:"retentionRate"`
}

type CohortAnalysis struct {
	Cohort          string       `json:"cohort"`
	Referred        GroupMetrics `json:"referred"`
	Baseline        GroupMetrics `json:"baseline"`
	FVMRateUplift   float64      `json:"fvmRateUplift"`
	RetentionUplift float64      `json:"retentionUplift"`
}

// Engine is the analytics engine over an event store.
type Engine struct {
	events     store.EventStore
	target     float64
	guardrails Guardrails
	metrics    *observability.Metrics
	logger     *slog.Logger
}

type Option func(*Engine)

func WithTarget(target float64) Option {
	return func(e *Engine) {
		if target > 0 {
			e.target = target
		}
	}
}

func WithGuardrails(g Guardrails) Option {
	return func(e *Engine) { e.guardrails = g }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(events store.EventStore, opts ...Option) *Engine {
	e := &Engine{
		events:     events,
		target:     DefaultKFactorTarget,
		guardrails: DefaultGuardrails(),
		logger:     slog.Default().With("component", "analytics"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Track appends an event to the log.
func (e *Engine) Track(ctx context.Context, ev contracts.Event) error {
	if err := e.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("analytics: append %s: %w", ev.Type, err)
	}
	e.metrics.ObserveEvent(string(ev.Type))
	return nil
}

// Events lists raw events matching f.
func (e *Engine) Events(ctx context.Context, f store.EventFilter) ([]contracts.Event, error) {
	return e.events.List(ctx, f)
}

// CalculateKFactor computes invites per inviter times invite-to-FVM conversion.
func (e *Engine) CalculateKFactor(ctx context.Context, cohort string, tr contracts.TimeRange) (*KFactorMetrics, error) {
	evs, err := e.events.List(ctx, store.EventFilter{
		Types:  []contracts.EventType{contracts.EventInviteSent, contracts.EventFVMReached},
		Cohort: cohort,
		Range:  tr,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: list events: %w", err)
	}

	inviters := make(map[string]struct{})
	var invites, fvms int
	for _, ev := range evs {
		switch ev.Type {
		case contracts.EventInviteSent:
			invites++
			inviters[ev.UserID] = struct{}{}
		case contracts.EventFVMReached:
			fvms++
		}
	}

	m := &KFactorMetrics{
		Cohort:    cohort,
		Invites:   invites,
		Inviters:  len(inviters),
		FVMs:      fvms,
		Target:    e.target,
		TimeRange: tr,
	}
	m.InvitesPerUser = ratio(invites, len(inviters))
	m.ConversionRate = clampUnit(ratio(fvms, invites))
	m.KFactor = m.InvitesPerUser * m.ConversionRate
	m.TargetMet = m.KFactor >= e.target
	e.metrics.SetKFactor(cohort, m.KFactor)
	return m, nil
}

// GetLoopMetrics returns the funnel of one loop.
func (e *Engine) GetLoopMetrics(ctx context.Context, loopID string, tr contracts.TimeRange) (*LoopMetrics, error) {
	evs, err := e.events.List(ctx, store.EventFilter{LoopID: loopID, Range: tr})
	if err != nil {
		return nil, fmt.Errorf("analytics: list events: %w", err)
	}
	m := &LoopMetrics{LoopID: loopID}
	for _, ev := range evs {
		switch ev.Type {
		case contracts.EventInviteSent:
			m.TotalInvites++
		case contracts.EventInviteOpened:
			m.TotalOpens++
		case contracts.EventAccountCreated:
			m.TotalJoins++
		case contracts.EventFVMReached:
			m.TotalFVM++
		}
	}
	m.ConversionRate = clampUnit(ratio(m.TotalFVM, m.TotalInvites))
	return m, nil
}

// GetGuardrailMetrics reports harm rates relative to total event volume.
func (e *Engine) GetGuardrailMetrics(ctx context.Context, tr contracts.TimeRange) (*GuardrailMetrics, error) {
	evs, err := e.events.List(ctx, store.EventFilter{Range: tr})
	if err != nil {
		return nil, fmt.Errorf("analytics: list events: %w", err)
	}
	var complaints, optOuts, fraud, tickets int
	for _, ev := range evs {
		switch ev.Type {
		case contracts.EventComplaint:
			complaints++
		case contracts.EventOptOut:
			optOuts++
		case contracts.EventFraudDetected:
			fraud++
		case contracts.EventSupportTicket:
			tickets++
		}
	}

	g := e.guardrails
	m := &GuardrailMetrics{
		TotalEvents:    len(evs),
		ComplaintRate:  ratio(complaints, len(evs)),
		OptOutRate:     ratio(optOuts, len(evs)),
		FraudRate:      ratio(fraud, len(evs)),
		SupportTickets: tickets,
	}
	if m.ComplaintRate > g.MaxComplaintRate {
		m.Breaches = append(m.Breaches, "complaint_rate")
	}
	if m.OptOutRate > g.MaxOptOutRate {
		m.Breaches = append(m.Breaches, "opt_out_rate")
	}
	if m.FraudRate > g.MaxFraudRate {
		m.Breaches = append(m.Breaches, "fraud_rate")
	}
	if m.SupportTickets > g.MaxSupportTickets {
		m.Breaches = append(m.Breaches, "support_tickets")
	}
	m.Healthy = len(m.Breaches) == 0
	if !m.Healthy {
		e.logger.WarnContext(ctx, "guardrail_breach", "breaches", m.Breaches, "total_events", m.TotalEvents)
	}
	return m, nil
}

// GetCohortAnalysis compares referred users against the organic baseline.
func (e *Engine) GetCohortAnalysis(ctx context.Context, cohort string, tr contracts.TimeRange) (*CohortAnalysis, error) {
	evs, err := e.events.List(ctx, store.EventFilter{Cohort: cohort, Range: tr})
	if err != nil {
		return nil, fmt.Errorf("analytics: list events: %w", err)
	}

	referred := newGroup()
	baseline := newGroup()
	for _, ev := range evs {
		if ev.Metadata.Referred {
			referred.add(ev)
		} else {
			baseline.add(ev)
		}
	}

	a := &CohortAnalysis{
		Cohort:   cohort,
		Referred: referred.metrics(),
		Baseline: baseline.metrics(),
	}
	a.FVMRateUplift = a.Referred.FVMRate - a.Baseline.FVMRate
	a.RetentionUplift = a.Referred.RetentionRate - a.Baseline.RetentionRate
	return a, nil
}

type userSpan struct {
	first, last time.Time
	fvm         bool
}

type group map[string]*userSpan

func newGroup() group { return make(group) }

func (g group) add(ev contracts.Event) {
	u, ok := g[ev.UserID]
	if !ok {
		u = &userSpan{first: ev.Timestamp, last: ev.Timestamp}
		g[ev.UserID] = u
	}
	if ev.Timestamp.Before(u.first) {
		u.first = ev.Timestamp
	}
	if ev.Timestamp.After(u.last) {
		u.last = ev.Timestamp
	}
	if ev.Type == contracts.EventFVMReached {
		u.fvm = true
	}
}

func (g group) metrics() GroupMetrics {
	m := GroupMetrics{Users: len(g)}
	for _, u := range g {
		if u.fvm {
			m.FVMUsers++
		}
		if u.last.Sub(u.first) > retentionSpan {
			m.RetainedUsers++
		}
	}
	m.FVMRate = ratio(m.FVMUsers, m.Users)
	m.RetentionRate = ratio(m.RetainedUsers, m.Users)
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
