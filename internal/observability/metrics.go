// Package observability provides Prometheus metrics for the collector.
// It exposes scheduler pass outcomes/durations, reconciler error counts,
// and control-surface request counters for operational visibility.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the collector process.
type Metrics struct {
	// PassesTotal counts Scheduler passes by outcome: "ok", "transient_upstream",
	// "parse", "persistence".
	PassesTotal *prometheus.CounterVec

	// PassDuration measures the wall-clock time of a full Delta Engine +
	// Reconciler pass.
	PassDuration prometheus.Histogram

	// ReconcilerErrorsTotal counts per-config Reconciler failures, which are
	// isolated and never abort the overall pass.
	ReconcilerErrorsTotal *prometheus.CounterVec

	// FalseStartsSkippedTotal counts model keys dropped by the false-start
	// filter in a Delta Engine pass.
	FalseStartsSkippedTotal prometheus.Counter

	// RestartsDetectedTotal counts upstream-restart events observed.
	RestartsDetectedTotal prometheus.Counter

	// HTTPRequestsTotal counts control-surface requests by route and status.
	HTTPRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all collector metrics against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_passes_total",
			Help: "Total Scheduler passes, labelled by outcome.",
		}, []string{"outcome"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_pass_duration_seconds",
			Help:    "Duration of a full Delta Engine + Reconciler pass.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcilerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_reconciler_errors_total",
			Help: "Per-config Reconciler failures.",
		}, []string{"config_id"}),
		FalseStartsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_false_starts_skipped_total",
			Help: "Model keys dropped by the false-start filter.",
		}),
		RestartsDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_restarts_detected_total",
			Help: "Upstream counter-restart events observed.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_http_requests_total",
			Help: "Control-surface HTTP requests, labelled by route and status.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.ReconcilerErrorsTotal,
		m.FalseStartsSkippedTotal,
		m.RestartsDetectedTotal,
		m.HTTPRequestsTotal,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
