package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the chat pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Routes          *prometheus.CounterVec   // requests per route
	AgentSteps      *prometheus.HistogramVec // model calls per agent run
	AgentExhausted  *prometheus.CounterVec   // runs that hit the step budget
	ToolCalls       *prometheus.CounterVec   // tool calls by tool and outcome
	Alerts          *prometheus.CounterVec   // alert outcomes: sent, failed, dropped
	RequestDuration *prometheus.HistogramVec // HTTP latency
	HistoryRetries  *prometheus.CounterVec   // history store retries by operation
}

// NewMetrics creates and registers the collectors. Pass a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capmap_route_total",
			Help: "Requests dispatched per route",
		}, []string{"route"}),
		AgentSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capmap_agent_steps",
			Help:    "Model calls per agent run",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 10, 12, 15},
		}, []string{"agent"}),
		AgentExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capmap_agent_exhausted_total",
			Help: "Agent runs that reached their step budget",
		}, []string{"agent"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capmap_tool_calls_total",
			Help: "Tool invocations by outcome",
		}, []string{"tool", "outcome"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capmap_alerts_total",
			Help: "Failure alerts by outcome",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capmap_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		HistoryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capmap_history_retries_total",
			Help: "History store retries by operation",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.Routes,
		m.AgentSteps,
		m.AgentExhausted,
		m.ToolCalls,
		m.Alerts,
		m.RequestDuration,
		m.HistoryRetries,
	)
	return m
}

func (m *Metrics) ObserveRoute(route string) {
	if m == nil {
		return
	}
	m.Routes.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveAgentRun(agent string, steps int, exhausted bool) {
	if m == nil {
		return
	}
	m.AgentSteps.WithLabelValues(agent).Observe(float64(steps))
	if exhausted {
		m.AgentExhausted.WithLabelValues(agent).Inc()
	}
}

func (m *Metrics) ObserveToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveAlert(outcome string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveHistoryRetry(op string) {
	if m == nil {
		return
	}
	m.HistoryRetries.WithLabelValues(op).Inc()
}
