// Package metrics exposes prometheus instrumentation for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline collectors. A nil *Metrics is a no-op so
// components can run uninstrumented in tests.
type Metrics struct {
	registry *prometheus.Registry

	filesProcessed     *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	needsUpdateBacklog prometheus.Gauge
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		filesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisesync_files_processed_total",
			Help: "Sailing files processed, by terminal result or error class.",
		}, []string{"result"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisesync_webhook_events_total",
			Help: "Inbound webhook events, by outcome.",
		}, []string{"outcome"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisesync_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"state"}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cruisesync_fetch_duration_seconds",
			Help:    "Remote file fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		needsUpdateBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cruisesync_needs_price_update_backlog",
			Help: "Active sailings still flagged for a price update.",
		}),
	}
}

// Registry returns the registry backing the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// FileProcessed counts one terminal file result.
func (m *Metrics) FileProcessed(result string) {
	if m == nil {
		return
	}
	m.filesProcessed.WithLabelValues(result).Inc()
}

// WebhookEvent counts one inbound event outcome.
func (m *Metrics) WebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// BreakerTransition counts one breaker state change.
func (m *Metrics) BreakerTransition(state string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(state).Inc()
}

// ObserveFetch records one fetch latency sample.
func (m *Metrics) ObserveFetch(seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(seconds)
}

// SetBacklog publishes the needs-price-update backlog size.
func (m *Metrics) SetBacklog(n int64) {
	if m == nil {
		return
	}
	m.needsUpdateBacklog.Set(float64(n))
}
