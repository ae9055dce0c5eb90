package analytics

import (
	"context"
	"fmt"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/observability"
	"github.com/Mindburn-Labs/kfactor/pkg/store"
)

var base = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func track(t *testing.T, e *Engine, typ contracts.EventType, user, cohort string, referred bool, at time.Time, opts ...contracts.EventOption) {
	t.Helper()
	ev, err := contracts.NewEvent(typ, user, cohort, referred, append(opts, contracts.At(at))...)
	require.NoError(t, err)
	require.NoError(t, e.Track(context.Background(), ev))
}

// 20 inviters send 30 invites, 18 reach FVM: 1.5 x 0.6 = 0.9, below target.
func TestCalculateKFactor_Scenario(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0))
	for i := 0; i < 30; i++ {
		inviter := fmt.Sprintf("inviter-%d", i%20)
		track(t, e, contracts.EventInviteSent, inviter, "spring", false, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 0; i < 18; i++ {
		track(t, e, contracts.EventFVMReached, fmt.Sprintf("invitee-%d", i), "spring", true, base.Add(time.Hour))
	}
	track(t, e, contracts.EventInviteSent, "someone-else", "fall", false, base)

	m, err := e.CalculateKFactor(context.Background(), "spring", contracts.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 30, m.Invites)
	assert.Equal(t, 20, m.Inviters)
	assert.InDelta(t, 1.5, m.InvitesPerUser, 1e-9)
	assert.InDelta(t, 0.6, m.ConversionRate, 1e-9)
	assert.InDelta(t, 0.9, m.KFactor, 1e-9)
	assert.False(t, m.TargetMet)
	assert.Equal(t, DefaultKFactorTarget, m.Target)
}

func TestCalculateKFactor_SetsGauge(t *testing.T) {
	metrics := observability.NewMetrics()
	e := NewEngine(store.NewMemoryEventStore(0), WithMetrics(metrics))
	track(t, e, contracts.EventInviteSent, "inviter-1", "spring", false, base)
	track(t, e, contracts.EventInviteSent, "inviter-1", "spring", false, base)
	track(t, e, contracts.EventFVMReached, "invitee-1", "spring", true, base.Add(time.Hour))

	_, err := e.CalculateKFactor(context.Background(), "spring", contracts.TimeRange{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `kfactor_cohort_kfactor{cohort="spring"} 1`)
}

func TestCalculateKFactor_NoInvites(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0))
	track(t, e, contracts.EventFVMReached, "x", "spring", true, base)

	m, err := e.CalculateKFactor(context.Background(), "spring", contracts.TimeRange{})
	require.NoError(t, err)
	assert.Zero(t, m.KFactor)
	assert.Zero(t, m.ConversionRate)
	assert.Zero(t, m.InvitesPerUser)
	assert.False(t, m.TargetMet)
}

func TestCalculateKFactor_TimeWindowAndTarget(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0), WithTarget(0.5))
	track(t, e, contracts.EventInviteSent, "a", "c", false, base)
	track(t, e, contracts.EventFVMReached, "b", "c", true, base.Add(time.Hour))
	track(t, e, contracts.EventInviteSent, "a", "c", false, base.Add(48*time.Hour))

	m, err := e.CalculateKFactor(context.Background(), "c", contracts.TimeRange{End: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Invites)
	assert.InDelta(t, 1.0, m.KFactor, 1e-9)
	assert.True(t, m.TargetMet)
}

func TestCalculateKFactor_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("kFactor is invitesPerUser x conversionRate and conversion stays in [0,1]", prop.ForAll(
		func(inviters, invites, fvms int) bool {
			e := NewEngine(store.NewMemoryEventStore(0))
			ctx := context.Background()
			for i := 0; i < invites; i++ {
				ev, _ := contracts.NewEvent(contracts.EventInviteSent, fmt.Sprintf("u%d", i%inviters), "p", false)
				_ = e.Track(ctx, ev)
			}
			for i := 0; i < fvms; i++ {
				ev, _ := contracts.NewEvent(contracts.EventFVMReached, fmt.Sprintf("v%d", i), "p", true)
				_ = e.Track(ctx, ev)
			}
			m, err := e.CalculateKFactor(ctx, "p", contracts.TimeRange{})
			if err != nil {
				return false
			}
			if m.ConversionRate < 0 || m.ConversionRate > 1 {
				return false
			}
			if invites == 0 && m.KFactor != 0 {
				return false
			}
			return math.Abs(m.KFactor-m.InvitesPerUser*m.ConversionRate) < 1e-12
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 40),
		gen.IntRange(0, 60),
	))
	properties.TestingRun(t)
}

func TestGetLoopMetrics(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0))
	loop := contracts.WithLoop("results-rally")
	for i := 0; i < 4; i++ {
		track(t, e, contracts.EventInviteSent, "kid", "c", false, base, loop)
	}
	track(t, e, contracts.EventInviteOpened, "friend-1", "c", true, base, loop)
	track(t, e, contracts.EventInviteOpened, "friend-2", "c", true, base, loop)
	track(t, e, contracts.EventAccountCreated, "friend-1", "c", true, base, loop)
	track(t, e, contracts.EventFVMReached, "friend-1", "c", true, base, loop)
	track(t, e, contracts.EventInviteSent, "kid", "c", false, base, contracts.WithLoop("buddy-challenge"))

	m, err := e.GetLoopMetrics(context.Background(), "results-rally", contracts.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, &LoopMetrics{
		LoopID:         "results-rally",
		TotalInvites:   4,
		TotalOpens:     2,
		TotalJoins:     1,
		TotalFVM:       1,
		ConversionRate: 0.25,
	}, m)
}

func TestGetGuardrailMetrics(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0))

	empty, err := e.GetGuardrailMetrics(context.Background(), contracts.TimeRange{})
	require.NoError(t, err)
	assert.True(t, empty.Healthy)
	assert.Zero(t, empty.ComplaintRate)

	for i := 0; i < 198; i++ {
		track(t, e, contracts.EventInviteSent, fmt.Sprintf("u%d", i), "c", false, base)
	}
	track(t, e, contracts.EventComplaint, "u1", "c", false, base)
	track(t, e, contracts.EventSupportTicket, "u2", "c", false, base)

	m, err := e.GetGuardrailMetrics(context.Background(), contracts.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 200, m.TotalEvents)
	assert.InDelta(t, 0.005, m.ComplaintRate, 1e-9)
	assert.Equal(t, 1, m.SupportTickets)
	assert.True(t, m.Healthy)

	track(t, e, contracts.EventFraudDetected, "u3", "c", false, base)
	track(t, e, contracts.EventFraudDetected, "u4", "c", false, base)
	m, err = e.GetGuardrailMetrics(context.Background(), contracts.TimeRange{})
	require.NoError(t, err)
	assert.False(t, m.Healthy)
	assert.Equal(t, []string{"fraud_rate"}, m.Breaches)
}

func TestGetGuardrailMetrics_SupportTicketCap(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0), WithGuardrails(Guardrails{
		MaxComplaintRate: 1, MaxOptOutRate: 1, MaxFraudRate: 1, MaxSupportTickets: 2,
	}))
	for i := 0; i < 3; i++ {
		track(t, e, contracts.EventSupportTicket, "u", "c", false, base)
	}
	m, err := e.GetGuardrailMetrics(context.Background(), contracts.TimeRange{})
	require.NoError(t, err)
	assert.False(t, m.Healthy)
	assert.Equal(t, []string{"support_tickets"}, m.Breaches)
}

func TestGetCohortAnalysis(t *testing.T) {
	e := NewEngine(store.NewMemoryEventStore(0))
	// Referred: two users, both reach FVM, one active over two days.
	track(t, e, contracts.EventAccountCreated, "r1", "c", true, base)
	track(t, e, contracts.EventFVMReached, "r1", "c", true, base.Add(49*time.Hour))
	track(t, e, contracts.EventFVMReached, "r2", "c", true, base)
	// Baseline: two users, one FVM, nobody retained.
	track(t, e, contracts.EventFVMReached, "b1", "c", false, base)
	track(t, e, contracts.EventInviteSent, "b2", "c", false, base)

	a, err := e.GetCohortAnalysis(context.Background(), "c", contracts.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Referred.Users)
	assert.InDelta(t, 1.0, a.Referred.FVMRate, 1e-9)
	assert.InDelta(t, 0.5, a.Referred.RetentionRate, 1e-9)
	assert.InDelta(t, 0.5, a.Baseline.FVMRate, 1e-9)
	assert.Zero(t, a.Baseline.RetentionRate)
	assert.InDelta(t, 0.5, a.FVMRateUplift, 1e-9)
	assert.InDelta(t, 0.5, a.RetentionUplift, 1e-9)
}
