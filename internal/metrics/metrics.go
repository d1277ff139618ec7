// Package metrics instruments the dispatch layer with Prometheus
// counters and histograms for tool/prompt invocations, mirroring the
// teacher's per-tool metric shape while swapping its otel/metric meter
// for github.com/prometheus/client_golang — the library cmd/contextd's
// main.go already mounts via promhttp.Handler(), so a Router embedder
// gets these on the same /metrics endpoint with no second exporter wired
// in (see DESIGN.md).
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the MCP dispatch counters/histogram/gauge.
type Metrics struct {
	invocations    *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	errors         *prometheus.CounterVec
	activeRequests *prometheus.GaugeVec
}

// New constructs Metrics and registers its collectors against reg. A nil
// reg registers against prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpkit_dispatch_invocations_total",
			Help: "Total number of MCP tool/prompt invocations.",
		}, []string{"kind", "name"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpkit_dispatch_duration_seconds",
			Help:    "Duration of MCP tool/prompt invocations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"kind", "name"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpkit_dispatch_errors_total",
			Help: "Total number of MCP tool/prompt invocation errors.",
		}, []string{"kind", "name", "reason"}),
		activeRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpkit_dispatch_active_requests",
			Help: "Number of currently in-flight MCP tool/prompt invocations.",
		}, []string{"kind", "name"}),
	}
	reg.MustRegister(m.invocations, m.duration, m.errors, m.activeRequests)
	return m
}

// RecordInvocation records one completed tool/prompt call: its duration,
// and, when err is non-nil, a categorized error count.
func (m *Metrics) RecordInvocation(kind, name string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(kind, name).Inc()
	m.duration.WithLabelValues(kind, name).Observe(duration.Seconds())
	if err != nil {
		m.errors.WithLabelValues(kind, name, categorizeError(err)).Inc()
	}
}

// IncrementActive marks the start of an in-flight invocation.
func (m *Metrics) IncrementActive(kind, name string) {
	if m == nil {
		return
	}
	m.activeRequests.WithLabelValues(kind, name).Inc()
}

// DecrementActive marks the end of an in-flight invocation.
func (m *Metrics) DecrementActive(kind, name string) {
	if m == nil {
		return
	}
	m.activeRequests.WithLabelValues(kind, name).Dec()
}

// categorizeError buckets an error into a coarse reason label, grounded
// on the teacher's own categorizeError (trimmed of contextd-specific
// reasons like "vectorstore"/"tenant" that have no analogue here).
func categorizeError(err error) string {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid"):
		return "validation_error"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "permission") || strings.Contains(errStr, "unauthorized"):
		return "auth_error"
	default:
		return "internal_error"
	}
}
