package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/kfactor/pkg/attribution"
	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
	"github.com/Mindburn-Labs/kfactor/pkg/executor"
	"github.com/Mindburn-Labs/kfactor/pkg/loops"
)

// JourneyRequest is the body of the join and FVM endpoints.
type JourneyRequest struct {
	ShortCode string            `json:"shortCode"`
	Invitee   contracts.Invitee `json:"invitee"`
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	EventType  contracts.EventType `json:"eventType"`
	UserID     string              `json:"userId"`
	Cohort     string              `json:"cohort"`
	Referred   bool                `json:"referred"`
	LoopID     string              `json:"loopId"`
	InviteCode string              `json:"inviteCode"`
	Timestamp  *time.Time          `json:"timestamp"`
	Extra      map[string]any      `json:"extra"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRedirect resolves a short link, records the click and sends the
// browser to the signed full URL.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "shortCode")
	link, err := s.deps.Links.ResolveLink(r.Context(), code)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}

	click := attribution.Click{
		UserAgent:         r.UserAgent(),
		IPAddress:         clientIP(r),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
		Referer:           r.Referer(),
	}
	if err := s.deps.Links.TrackClick(r.Context(), link.ShortCode, click); err != nil {
		s.logger.WarnContext(r.Context(), "click_track_failed", "short_code", link.ShortCode, "error", err)
	}
	if link.Metadata.Cohort != "" {
		ev, err := contracts.NewEvent(contracts.EventInviteClicked, link.Metadata.InviterID, link.Metadata.Cohort, false,
			contracts.WithLoop(link.Metadata.LoopID),
			contracts.WithInvite(link.ShortCode, link.LinkID),
			contracts.WithInviter(link.Metadata.InviterID))
		if err == nil {
			err = s.deps.Analytics.Track(r.Context(), ev)
		}
		if err != nil {
			s.logger.WarnContext(r.Context(), "click_event_failed", "short_code", link.ShortCode, "error", err)
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, link.FullURL, http.StatusFound)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var t contracts.Trigger
	if err := decodeBody(w, r, s.schemas.Trigger, &t); err != nil {
		WriteContractError(w, r, err)
		return
	}
	out := s.deps.Triggers.HandleTrigger(r.Context(), &t)
	if out.Error != nil && !out.Blocked && fatal(out.Error.Code) {
		WriteContractError(w, r, out.Error)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	s.journey(w, r, s.deps.Journey.ProcessJoin)
}

func (s *Server) handleFVM(w http.ResponseWriter, r *http.Request) {
	s.journey(w, r, s.deps.Journey.ProcessFVM)
}

type journeyStep func(ctx context.Context, shortCode string, invitee contracts.Invitee) *executor.Result

func (s *Server) journey(w http.ResponseWriter, r *http.Request, step journeyStep) {
	var req JourneyRequest
	if err := decodeBody(w, r, s.schemas.Invitee, &req); err != nil {
		WriteContractError(w, r, err)
		return
	}
	res := step(r.Context(), req.ShortCode, req.Invitee)
	if res.Error != nil && fatal(res.Error.Code) {
		WriteContractError(w, r, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fatal reports codes the caller cannot act on as a normal outcome. Policy
// declines and degraded agents are returned as results instead.
func fatal(code contracts.ErrorCode) bool {
	switch code {
	case contracts.CodeValidation, contracts.CodeLinkInvalid, contracts.CodeLinkExpired, contracts.CodeInternal:
		return true
	}
	return false
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(w, r, s.schemas.Event, &req); err != nil {
		WriteContractError(w, r, err)
		return
	}
	at := s.now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	opts := []contracts.EventOption{contracts.At(at)}
	if req.LoopID != "" {
		opts = append(opts, contracts.WithLoop(req.LoopID))
	}
	if req.InviteCode != "" {
		opts = append(opts, contracts.WithInvite(attribution.NormalizeCode(req.InviteCode), ""))
	}
	for k, v := range req.Extra {
		opts = append(opts, contracts.WithExtra(k, v))
	}
	ev, err := contracts.NewEvent(req.EventType, req.UserID, req.Cohort, req.Referred, opts...)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	if err := s.deps.Analytics.Track(r.Context(), ev); err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

func (s *Server) handleKFactor(w http.ResponseWriter, r *http.Request) {
	cohort := r.URL.Query().Get("cohort")
	if cohort == "" {
		WriteContractError(w, r, contracts.NewError(contracts.CodeValidation, "cohort query parameter is required"))
		return
	}
	tr, err := parseRange(r)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	m, err := s.deps.Analytics.CalculateKFactor(r.Context(), cohort, tr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleLoopMetrics(w http.ResponseWriter, r *http.Request) {
	loopID := chi.URLParam(r, "loopId")
	if _, ok := loops.KindOf(loopID); !ok {
		WriteNotFound(w, "unknown loop "+loopID)
		return
	}
	tr, err := parseRange(r)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	m, err := s.deps.Analytics.GetLoopMetrics(r.Context(), loopID, tr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	m, err := s.deps.Analytics.GetGuardrailMetrics(r.Context(), tr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCohort(w http.ResponseWriter, r *http.Request) {
	tr, err := parseRange(r)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	a, err := s.deps.Analytics.GetCohortAnalysis(r.Context(), chi.URLParam(r, "cohort"), tr)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Agents.HealthAll(r.Context()))
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h := s.deps.Agents.Health(r.Context(), name)
	if !h.Exists {
		WriteNotFound(w, "unknown agent "+name)
		return
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// parseRange reads the optional RFC 3339 from/to query parameters.
func parseRange(r *http.Request) (contracts.TimeRange, error) {
	var tr contracts.TimeRange
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &tr.Start},
		{"to", &tr.End},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, contracts.Errorf(contracts.CodeValidation, "%s must be an RFC 3339 timestamp", p.name)
		}
		*p.dst = t.UTC()
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return tr, contracts.NewError(contracts.CodeValidation, "to must not be before from")
	}
	return tr, nil
}
