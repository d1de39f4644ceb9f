// Package metrics defines the Prometheus instrumentation of the server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector registered by the server. One instance is
// created at startup and shared by reference.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal           *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
	AgentRequestSeconds *prometheus.HistogramVec
	EventStreams        prometheus.Gauge
}

// New creates a Metrics instance with its own registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentforge",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"status"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentforge",
			Name:      "permission_decisions_total",
			Help:      "Automated permission replies, by decision.",
		}, []string{"decision"}),
		AgentRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentforge",
			Name:      "agent_request_duration_seconds",
			Help:      "Latency of HTTP calls to the agent server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		EventStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentforge",
			Name:      "sse_streams",
			Help:      "Currently open job event streams.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsTotal,
		m.PermissionDecisions,
		m.AgentRequestSeconds,
		m.EventStreams,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAgentRequest records the latency of one agent HTTP call.
func (m *Metrics) ObserveAgentRequest(operation, outcome string, elapsed time.Duration) {
	m.AgentRequestSeconds.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}
