// Package telemetry exposes Prometheus metrics for the repository lifecycle.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. All counters are
// registered on a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	reindexRuns    *prometheus.CounterVec
	sweeps         prometheus.Counter
	scheduledSyncs prometheus.Counter
	jobsStarted    *prometheus.CounterVec
}

// NewMetrics creates a Metrics with all collectors registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repo_manager_status_transitions_total",
			Help: "Repository status transitions, labeled by resulting status.",
		}, []string{"status"}),
		reindexRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repo_manager_reindex_runs_total",
			Help: "Reindex trigger attempts, labeled by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repo_manager_expired_sweeps_total",
			Help: "Expired repositories swept.",
		}),
		scheduledSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repo_manager_scheduled_syncs_total",
			Help: "Syncs started by the auto-sync scheduler.",
		}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repo_manager_jobs_started_total",
			Help: "Cluster Jobs created, labeled by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(m.transitions, m.reindexRuns, m.sweeps, m.scheduledSyncs, m.jobsStarted)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts a repository entering the given status.
func (m *Metrics) RecordTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

// RecordReindex counts a reindex attempt.
func (m *Metrics) RecordReindex(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.reindexRuns.WithLabelValues(outcome).Inc()
}

// RecordSweep counts an expired repository teardown.
func (m *Metrics) RecordSweep() {
	m.sweeps.Inc()
}

// RecordScheduledSync counts a scheduler-initiated sync.
func (m *Metrics) RecordScheduledSync() {
	m.scheduledSyncs.Inc()
}

// RecordJobStarted counts a created cluster Job.
func (m *Metrics) RecordJobStarted(kind string) {
	m.jobsStarted.WithLabelValues(kind).Inc()
}
