package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/kfactor/pkg/api"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if problem.Status != w.Code {
		t.Errorf("problem.status = %d, response status %d", problem.Status, w.Code)
	}
	return problem
}

func TestProblemWriters(t *testing.T) {
	cases := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		detail string
	}{
		{"bad request", func(w http.ResponseWriter) { api.WriteBadRequest(w, "cohort is required") }, http.StatusBadRequest, "cohort is required"},
		{"unauthorized default", func(w http.ResponseWriter) { api.WriteUnauthorized(w, "") }, http.StatusUnauthorized, "Authentication required"},
		{"forbidden", func(w http.ResponseWriter) { api.WriteForbidden(w, "missing scope analytics:read") }, http.StatusForbidden, "missing scope analytics:read"},
		{"not found", func(w http.ResponseWriter) { api.WriteNotFound(w, "unknown loop viral-vortex") }, http.StatusNotFound, "unknown loop viral-vortex"},
		{"method not allowed", func(w http.ResponseWriter) { api.WriteMethodNotAllowed(w) }, http.StatusMethodNotAllowed, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tc.write(w)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			problem := decodeProblem(t, w)
			if tc.detail != "" && problem.Detail != tc.detail {
				t.Errorf("detail = %q, want %q", problem.Detail, tc.detail)
			}
		})
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if problem := decodeProblem(t, w); problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("storage error leaked to client")
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 12)

	if ra := w.Header().Get("Retry-After"); ra != "12" {
		t.Errorf("Retry-After = %q, want 12", ra)
	}
	decodeProblem(t, w)
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/kfactor", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "from must be an RFC 3339 timestamp")

	problem := decodeProblem(t, w)
	if problem.Instance != "/v1/analytics/kfactor" {
		t.Errorf("instance = %q", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Errorf("trace_id = %q, want req-123", problem.TraceID)
	}
}

func TestStatusFor_Taxonomy(t *testing.T) {
	cases := map[contracts.ErrorCode]int{
		contracts.CodeValidation:       http.StatusBadRequest,
		contracts.CodeIneligible:       http.StatusUnprocessableEntity,
		contracts.CodeAgentUnavailable: http.StatusServiceUnavailable,
		contracts.CodeLinkInvalid:      http.StatusNotFound,
		contracts.CodeLinkExpired:      http.StatusGone,
		contracts.CodeBudgetExceeded:   http.StatusUnprocessableEntity,
		contracts.CodeRateLimited:      http.StatusTooManyRequests,
		contracts.CodeAbuseDetected:    http.StatusForbidden,
		contracts.CodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := api.StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteContractError_CarriesCode(t *testing.T) {
	req := httptest.NewRequest("GET", "/l/ABCD2345", nil)
	w := httptest.NewRecorder()
	api.WriteContractError(w, req, contracts.NewError(contracts.CodeLinkExpired, "attribution link expired"))

	if w.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d", w.Code)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Code != contracts.CodeLinkExpired {
		t.Errorf("expected code LINK_EXPIRED, got %q", problem.Code)
	}
	if problem.Detail != "attribution link expired" {
		t.Errorf("unexpected detail %q", problem.Detail)
	}
}

func TestWriteContractError_HidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/events", nil)
	w := httptest.NewRecorder()
	api.WriteContractError(w, req, errors.New("sqlite: disk I/O error"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if w.Code != http.StatusInternalServerError || problem.Code != contracts.CodeInternal {
		t.Fatalf("expected 500 INTERNAL, got %d %q", w.Code, problem.Code)
	}
	if problem.Detail == "sqlite: disk I/O error" {
		t.Error("internal error details leaked to client")
	}
}
