package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/kfactor/pkg/agent"
	"github.com/Mindburn-Labs/kfactor/pkg/analytics"
	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/executor"
	"github.com/Mindburn-Labs/kfactor/pkg/pipeline"
	"github.com/Mindburn-Labs/kfactor/pkg/store"
)

var t0 = time.Date(2026, 10, 12, 18, 30, 0, 0, time.UTC)

type triggerFunc func(ctx context.Context, t *contracts.Trigger) *pipeline.Outcome

func (f triggerFunc) HandleTrigger(ctx context.Context, t *contracts.Trigger) *pipeline.Outcome {
	return f(ctx, t)
}

type fakeJourney struct {
	join func(shortCode string, invitee contracts.Invitee) *executor.Result
	fvm  func(shortCode string, invitee contracts.Invitee) *executor.Result
}

func (j *fakeJourney) ProcessJoin(_ context.Context, code string, inv contracts.Invitee) *executor.Result {
	return j.join(code, inv)
}

func (j *fakeJourney) ProcessFVM(_ context.Context, code string, inv contracts.Invitee) *executor.Result {
	return j.fvm(code, inv)
}

type harness struct {
	handler  http.Handler
	links    *attribution.Service
	engine   *analytics.Engine
	triggers int
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{}

	links, err := attribution.NewService(attribution.NewMemoryStore(), attribution.Config{
		Host:        "learn.example.com",
		Secret:      []byte("api-test-secret"),
		Environment: "test",
	}, attribution.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	h.links = links
	h.engine = analytics.NewEngine(store.NewMemoryEventStore(0))

	layer := agent.New(agent.Config{MaxRetries: 0, Timeout: time.Second, FailureThreshold: 3, Cooldown: time.Minute})
	require.NoError(t, layer.Register("incentives", agent.HandlerFunc(func(ctx context.Context, req *contracts.AgentRequest) (*contracts.AgentResponse, error) {
		return contracts.OK(req, "ok", nil), nil
	})))

	deps := Deps{
		Triggers: triggerFunc(func(ctx context.Context, tr *contracts.Trigger) *pipeline.Outcome {
			h.triggers++
			if tr.Context.Age > 0 && tr.Context.Age < 13 {
				return &pipeline.Outcome{
					Blocked:   true,
					Rationale: "deny rule matched: under_13_direct_sms",
					Error:     contracts.NewError(contracts.CodeAbuseDetected, "deny rule matched: under_13_direct_sms"),
					Loops:     []string{},
				}
			}
			return &pipeline.Outcome{
				Rationale: "1 loop(s)",
				Loops:     []string{"results-rally"},
				Results:   []*executor.Result{{Success: true, State: executor.StateInviteGenerated, LoopID: "results-rally", ShortCode: "ABCD2345"}},
			}
		}),
		Journey: &fakeJourney{
			join: func(code string, inv contracts.Invitee) *executor.Result {
				if code == "GONE2345" {
					return &executor.Result{State: executor.StateExpired, Error: contracts.NewError(contracts.CodeLinkExpired, "attribution link expired")}
				}
				return &executor.Result{Success: true, State: executor.StateJoined, LoopID: "buddy-challenge", ShortCode: code}
			},
			fvm: func(code string, inv contracts.Invitee) *executor.Result {
				return &executor.Result{
					Success: true, State: executor.StateFVMReached, LoopID: "buddy-challenge", ShortCode: code,
					RewardStatus: executor.RewardDeclined,
					Rationale:    "daily reward budget exhausted",
				}
			},
		},
		Links:       links,
		Analytics:   h.engine,
		Agents:      layer,
		Idempotency: NewIdempotencyStore(time.Hour),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(deps)
	require.NoError(t, err)
	srv.now = func() time.Time { return t0 }
	h.handler = srv.Routes()
	return h
}

func (h *harness) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeProblem(t, w)
}

func TestRedirect_ResolvesTracksAndRedirects(t *testing.T) {
	h := newHarness(t, nil)
	link, err := h.links.GenerateLink(context.Background(), attribution.LinkRequest{
		InviterID: "stu-42",
		LoopID:    "buddy-challenge",
		Persona:   contracts.PersonaStudent,
		FVMType:   contracts.FVMChallenge,
		Cohort:    "fall-26",
	})
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/l/"+strings.ToLower(link.ShortCode), "", "X-Device-Fingerprint", "dev-abc")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, link.FullURL, w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	clicks, err := h.engine.Events(context.Background(), store.EventFilter{Types: []contracts.EventType{contracts.EventInviteClicked}})
	require.NoError(t, err)
	require.Len(t, clicks, 1)
	assert.Equal(t, "stu-42", clicks[0].UserID)
	assert.Equal(t, link.ShortCode, clicks[0].Metadata.InviteCode)
}

func TestRedirect_UnknownCode(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/l/ZZZZ2222", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, contracts.CodeLinkInvalid, decodeProblem(t, w).Code)
}

const validTrigger = `{"type":"results_viewed","persona":"student","userId":"stu-42","cohort":"fall-26","context":{"subject":"algebra","age":15}}`

func TestTrigger_RunsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodPost, "/v1/triggers", validTrigger)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, []string{"results-rally"}, out.Loops)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "ABCD2345", out.Results[0].ShortCode)
}

func TestTrigger_BlockedIsAnOutcome(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodPost, "/v1/triggers",
		`{"type":"results_viewed","persona":"student","userId":"stu-9","cohort":"fall-26","context":{"age":10}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var out pipeline.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Blocked)
	assert.Equal(t, contracts.CodeAbuseDetected, out.Error.Code)
}

func TestTrigger_SchemaValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]string{
		"not json":        `{"type":`,
		"unknown trigger": `{"type":"went_viral","persona":"student","userId":"u","cohort":"c"}`,
		"missing cohort":  `{"type":"results_viewed","persona":"student","userId":"u"}`,
		"bad age":         `{"type":"results_viewed","persona":"student","userId":"u","cohort":"c","context":{"age":"ten"}}`,
		"bad timestamp":   `{"type":"streak_at_risk","persona":"student","userId":"u","cohort":"c","context":{"streakExpiresAt":"tomorrow"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/v1/triggers", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, contracts.CodeValidation, decodeProblem(t, w).Code)
		})
	}
	assert.Zero(t, h.triggers, "invalid bodies never reach the pipeline")
}

func TestTrigger_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, nil)
	first := h.do(http.MethodPost, "/v1/triggers", validTrigger, "Idempotency-Key", "evt-77")
	second := h.do(http.MethodPost, "/v1/triggers", validTrigger, "Idempotency-Key", "evt-77")

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, h.triggers)

	h.do(http.MethodPost, "/v1/triggers", validTrigger, "Idempotency-Key", "evt-78")
	assert.Equal(t, 2, h.triggers)
}

func TestJourney(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"shortCode":"ABCD2345","invitee":{"userId":"friend-1","persona":"student","cohort":"fall-26","newAccount":true}}`

	w := h.do(http.MethodPost, "/v1/joins", body)
	require.Equal(t, http.StatusOK, w.Code)
	var res executor.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, executor.StateJoined, res.State)

	w = h.do(http.MethodPost, "/v1/fvm", body)
	require.Equal(t, http.StatusOK, w.Code, "a declined reward is still a result")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, executor.RewardDeclined, res.RewardStatus)

	w = h.do(http.MethodPost, "/v1/joins", strings.Replace(body, "ABCD2345", "GONE2345", 1))
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, contracts.CodeLinkExpired, decodeProblem(t, w).Code)

	w = h.do(http.MethodPost, "/v1/joins", `{"shortCode":"ABCD2345","invitee":{"persona":"student","cohort":"c"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvents_AppendsFeedbackOnly(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodPost, "/v1/events", `{"eventType":"COMPLAINT","userId":"parent-3","cohort":"fall-26","inviteCode":"abcd2345","extra":{"reason":"too many texts"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	evs, err := h.engine.Events(context.Background(), store.EventFilter{Types: []contracts.EventType{contracts.EventComplaint}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "ABCD2345", evs[0].Metadata.InviteCode)
	assert.Equal(t, t0, evs[0].Timestamp)
	assert.Equal(t, "too many texts", evs[0].Metadata.Extra["reason"])

	w = h.do(http.MethodPost, "/v1/events", `{"eventType":"FVM_REACHED","userId":"u","cohort":"c"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "funnel events come from the executor")
}

func TestAnalyticsEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, ev := range []struct {
		typ  contracts.EventType
		user string
	}{
		{contracts.EventInviteSent, "stu-1"},
		{contracts.EventInviteSent, "stu-1"},
		{contracts.EventFVMReached, "friend-1"},
	} {
		e, err := contracts.NewEvent(ev.typ, ev.user, "fall-26", ev.typ == contracts.EventFVMReached,
			contracts.WithLoop("results-rally"), contracts.At(t0))
		require.NoError(t, err)
		require.NoError(t, h.engine.Track(ctx, e))
	}

	w := h.do(http.MethodGet, "/v1/analytics/kfactor?cohort=fall-26&from=2026-10-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	var k analytics.KFactorMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &k))
	assert.Equal(t, 2, k.Invites)
	assert.InDelta(t, 1.0, k.KFactor, 1e-9)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/analytics/kfactor", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/analytics/kfactor?cohort=c&from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(http.MethodGet, "/v1/analytics/kfactor?cohort=c&from=2026-10-02T00:00:00Z&to=2026-10-01T00:00:00Z", "").Code)

	w = h.do(http.MethodGet, "/v1/analytics/loops/results-rally", "")
	require.Equal(t, http.StatusOK, w.Code)
	var lm analytics.LoopMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lm))
	assert.Equal(t, 2, lm.TotalInvites)
	assert.Equal(t, 1, lm.TotalFVM)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/analytics/loops/viral-vortex", "").Code)

	w = h.do(http.MethodGet, "/v1/analytics/guardrails", "")
	require.Equal(t, http.StatusOK, w.Code)
	var g analytics.GuardrailMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &g))
	assert.True(t, g.Healthy)

	w = h.do(http.MethodGet, "/v1/analytics/cohorts/fall-26", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ca analytics.CohortAnalysis
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ca))
	assert.Equal(t, "fall-26", ca.Cohort)
}

func TestAgentHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(http.MethodGet, "/v1/agents/incentives/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var hs agent.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hs))
	assert.True(t, hs.Healthy)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/agents/oracle/health", "").Code)

	w = h.do(http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []agent.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestRoutes_RequireScopesWhenAuthEnabled(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Auth = NewAuthenticator(AuthConfig{Secret: testSecret})
	})
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/triggers", validTrigger).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/v1/analytics/guardrails", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code, "health stays public")

	reader := signToken(t, testSecret, map[string]any{"sub": "dashboard", "scope": ScopeAnalyticsRead, "exp": time.Now().Add(time.Hour).Unix()})
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/analytics/guardrails", "", "Authorization", "Bearer "+reader).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/triggers", validTrigger, "Authorization", "Bearer "+reader).Code)
	assert.Zero(t, h.triggers)
}

type failingAnalytics struct{ *analytics.Engine }

func (failingAnalytics) GetGuardrailMetrics(context.Context, contracts.TimeRange) (*analytics.GuardrailMetrics, error) {
	return nil, errors.New("pq: connection refused")
}

func TestAnalytics_StorageFailureIsInternal(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Analytics = failingAnalytics{analytics.NewEngine(store.NewMemoryEventStore(0))}
	})
	w := h.do(http.MethodGet, "/v1/analytics/guardrails", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}
