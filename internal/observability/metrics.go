package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// overflowLabel replaces every label of a tag combination once a metric has
// exhausted its cardinality budget. The series still counts; it just stops
// being attributable to one tenant/tool pair.
const overflowLabel = "_overflow"

// DefaultCardinalityLimit bounds distinct tag combinations per metric.
const DefaultCardinalityLimit = 512

// Metrics is the runtime's observability sink for counters and histograms.
//
// Every tag set includes tenant_id and stage. Distinct tag combinations per
// metric are capped; once the cap is reached new combinations collapse into
// a single _overflow series so an abusive or misconfigured client cannot
// blow up the exposition size.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("fs.read", "default", "dev", "success", 12.5)
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error kind), tenant_id, stage
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution wall time in milliseconds.
	// Labels: tool, tenant_id, stage
	// Buckets: 1ms .. 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// EventCounter counts bus appends by outcome.
	// Labels: stream, outcome (appended|duplicate|backpressured), tenant_id, stage
	EventCounter *prometheus.CounterVec

	// EngineTransitions counts Context Engine state transitions.
	// Labels: tunable, transition (proposed|promoted|proposal_rejected|rollback)
	EngineTransitions *prometheus.CounterVec

	// ActiveConnections tracks live client sessions registered with the
	// Virtual Connector.
	ActiveConnections prometheus.Gauge

	// RunnerUnavailable counts fatal host-side dispatch failures; this is
	// the server-health counter the Executor bumps on RunnerUnavailable.
	// Labels: runner (the manifest entry scheme: wasm|native|nodejs)
	RunnerUnavailable *prometheus.CounterVec

	// HTTPRequestCounter counts control-API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures control-API latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	mu       sync.Mutex
	limit    int
	combos   map[string]map[string]struct{}
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup; the /metrics endpoint serves the result.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, DefaultCardinalityLimit)
}

// NewMetricsWith registers against an explicit registerer, which tests use
// to avoid duplicate-registration panics across cases.
func NewMetricsWith(reg prometheus.Registerer, cardinalityLimit int) *Metrics {
	if cardinalityLimit <= 0 {
		cardinalityLimit = DefaultCardinalityLimit
	}
	factory := promauto.With(reg)
	return &Metrics{
		limit:  cardinalityLimit,
		combos: map[string]map[string]struct{}{},

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_exec_total",
				Help: "Total tool invocations by tool name and status",
			},
			[]string{"tool", "status", "tenant_id", "stage"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_exec_duration_ms",
				Help:    "Tool execution wall time in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
			},
			[]string{"tool", "tenant_id", "stage"},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_events_total",
				Help: "Event bus appends by stream and outcome",
			},
			[]string{"stream", "outcome", "tenant_id", "stage"},
		),

		EngineTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "context_engine_transitions_total",
				Help: "Context Engine state transitions by tunable",
			},
			[]string{"tunable", "transition"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Live client sessions tracked by the virtual connector",
			},
		),

		RunnerUnavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_unavailable_total",
				Help: "Fatal host-side dispatch failures by runner kind",
			},
			[]string{"runner"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Control API requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Control API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// clamp enforces the per-metric cardinality budget. The first limit distinct
// combinations pass through untouched; everything after collapses to the
// _overflow series.
func (m *Metrics) clamp(metric string, labels ...string) []string {
	key := strings.Join(labels, "\x1f")
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.combos[metric]
	if !ok {
		seen = map[string]struct{}{}
		m.combos[metric] = seen
	}
	if _, ok := seen[key]; ok {
		return labels
	}
	if len(seen) >= m.limit {
		overflow := make([]string, len(labels))
		for i := range overflow {
			overflow[i] = overflowLabel
		}
		return overflow
	}
	seen[key] = struct{}{}
	return labels
}

// RecordToolExecution records one tool invocation outcome and its duration.
func (m *Metrics) RecordToolExecution(tool, tenantID, stage, status string, durationMs float64) {
	m.ToolExecutionCounter.WithLabelValues(m.clamp("tool_exec_total", tool, status, tenantID, stage)...).Inc()
	m.ToolExecutionDuration.WithLabelValues(m.clamp("tool_exec_duration_ms", tool, tenantID, stage)...).Observe(durationMs)
}

// RecordEvent records a bus append outcome.
func (m *Metrics) RecordEvent(stream, outcome, tenantID, stage string) {
	m.EventCounter.WithLabelValues(m.clamp("bus_events_total", stream, outcome, tenantID, stage)...).Inc()
}

// RecordEngineTransition records one Context Engine state transition.
func (m *Metrics) RecordEngineTransition(tunable, transition string) {
	m.EngineTransitions.WithLabelValues(m.clamp("context_engine_transitions_total", tunable, transition)...).Inc()
}

// SetActiveConnections updates the connector health gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.Set(float64(n))
}

// RecordRunnerUnavailable bumps the server-health counter for a runner kind.
func (m *Metrics) RecordRunnerUnavailable(runner string) {
	m.RunnerUnavailable.WithLabelValues(runner).Inc()
}

// RecordHTTPRequest records one control-API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(m.clamp("http_requests_total", method, path, statusCode)...).Inc()
	m.HTTPRequestDuration.WithLabelValues(m.clamp("http_request_duration_seconds", method, path, statusCode)...).Observe(durationSeconds)
}
