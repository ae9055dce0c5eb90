package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the growth core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	agentCalls      *prometheus.CounterVec
	agentLatency    *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	events          *prometheus.CounterVec
	loopExecutions  *prometheus.CounterVec
	linkResolutions *prometheus.CounterVec
	rewardsIssued   *prometheus.CounterVec
	kfactor         *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics()
	reg.MustRegister(
		m.agentCalls,
		m.agentLatency,
		m.breakerState,
		m.events,
		m.loopExecutions,
		m.linkResolutions,
		m.rewardsIssued,
		m.kfactor,
		m.httpRequests,
		m.httpLatency,
	)
	m.gatherer = reg
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_agent_calls_total",
			Help: "Agent calls by agent and outcome (success, decline, fallback, rejected).",
		}, []string{"agent", "outcome"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kfactor_agent_call_duration_seconds",
			Help:    "Wall time of agent calls including retries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"agent"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kfactor_circuit_breaker_state",
			Help: "Circuit breaker position per agent (0 closed, 1 half-open, 2 open).",
		}, []string{"agent"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_viral_events_total",
			Help: "Viral events appended to the event log by type.",
		}, []string{"type"}),
		loopExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_loop_executions_total",
			Help: "Loop executor outcomes by loop and resulting state.",
		}, []string{"loop", "state"}),
		linkResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_link_resolutions_total",
			Help: "Attribution link resolutions by outcome (ok, not_found, expired).",
		}, []string{"outcome"}),
		rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_rewards_issued_total",
			Help: "Reward pairs issued by loop.",
		}, []string{"loop"}),
		kfactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kfactor_cohort_kfactor",
			Help: "Last computed K-factor per cohort.",
		}, []string{"cohort"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kfactor_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kfactor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

func (m *Metrics) ObserveAgentCall(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.agentCalls.WithLabelValues(agent, outcome).Inc()
	m.agentLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// SetBreakerState records the breaker position; state is one of closed, half-open, open.
func (m *Metrics) SetBreakerState(agent, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(agent).Set(v)
}

func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveLoopExecution(loopID, state string) {
	if m == nil {
		return
	}
	m.loopExecutions.WithLabelValues(loopID, state).Inc()
}

func (m *Metrics) ObserveLinkResolution(outcome string) {
	if m == nil {
		return
	}
	m.linkResolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRewardIssued(loopID string) {
	if m == nil {
		return
	}
	m.rewardsIssued.WithLabelValues(loopID).Inc()
}

func (m *Metrics) SetKFactor(cohort string, k float64) {
	if m == nil {
		return
	}
	m.kfactor.WithLabelValues(cohort).Set(k)
}

// ObserveHTTPRequest records one served request under its route pattern.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
