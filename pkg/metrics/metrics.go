// Package metrics exposes prometheus instruments for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ciflow"

// Metrics holds the pipeline instruments. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed  *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	syncItems      *prometheus.CounterVec
	webhookResults *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	upstreamCalls  *prometheus.CounterVec
}

// New registers all instruments on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs handled per queue and outcome",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent handling one job",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"queue"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Items reconciled by the synchronizer per kind and outcome",
		}, []string{"kind", "outcome"}),
		webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_verifications_total",
			Help:      "Inbound webhook signature checks",
		}, []string{"result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repository_status_transitions_total",
			Help:      "Repository status writes per target status",
		}, []string{"status"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_requests_total",
			Help:      "Calls to the retrieval service per operation and outcome",
		}, []string{"operation", "outcome"}),
	}

	registry.MustRegister(
		m.jobsProcessed,
		m.jobDuration,
		m.syncItems,
		m.webhookResults,
		m.statusChanges,
		m.upstreamCalls,
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveJob records the outcome and duration of one job
func (m *Metrics) ObserveJob(queue string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// AddSyncItems counts reconciled items of a kind
func (m *Metrics) AddSyncItems(kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncItems.WithLabelValues(kind, outcome).Add(float64(n))
}

// WebhookVerified counts a signature check result: matched, mismatch or invalid
func (m *Metrics) WebhookVerified(result string) {
	if m == nil {
		return
	}
	m.webhookResults.WithLabelValues(result).Inc()
}

// StatusChanged counts a repository status write
func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

// UpstreamCall counts one retrieval service call
func (m *Metrics) UpstreamCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamCalls.WithLabelValues(operation, outcome).Inc()
}
