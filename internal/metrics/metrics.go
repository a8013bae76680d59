// Package metrics registers the prometheus instruments shared by the
// engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the engine instruments with their registry.
type Metrics struct {
	Registry *prometheus.Registry

	JobsClaimed      *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobsRequeued     prometheus.Counter
	JobsRecovered    prometheus.Counter
	PagesProcessed   prometheus.Counter
	AuditEntries     *prometheus.CounterVec
	WorkflowEvents   *prometheus.CounterVec
	ClassifierRuns   prometheus.Counter
	TokensClassified *prometheus.CounterVec
}

// New builds a registry with the process collectors plus the engine
// instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_jobs_claimed_total",
			Help: "Jobs handed to workers, by claim kind (pending, poll).",
		}, []string{"kind"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_jobs_requeued_total",
			Help: "Jobs returned to pending after a retryable error.",
		}),
		JobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_jobs_recovered_total",
			Help: "Stale running jobs reset to pending by the sweeper.",
		}),
		PagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_pages_processed_total",
			Help: "Provider pages drained.",
		}),
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_audit_entries_total",
			Help: "Audit trail entries, by action.",
		}, []string{"action"}),
		WorkflowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Committed workflow transitions, by event type.",
		}, []string{"event"}),
		ClassifierRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classifier_runs_total",
			Help: "Classification worker passes.",
		}),
		TokensClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classifier_tokens_total",
			Help: "Classification outcomes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.JobsClaimed, m.JobsCompleted, m.JobsRequeued, m.JobsRecovered,
		m.PagesProcessed, m.AuditEntries, m.WorkflowEvents, m.ClassifierRuns, m.TokensClassified)
	return m
}
