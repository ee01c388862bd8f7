// Package metrics provides Prometheus metrics for the sorrel service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncJobsTotal counts finished sync jobs by terminal status.
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "sync",
			Name:      "jobs_total",
			Help:      "Total number of sync jobs by terminal status",
		},
		[]string{"status", "trigger"},
	)

	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "sync",
			Name:      "job_duration_seconds",
			Help:      "Duration of sync jobs in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	SyncJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sorrel",
			Subsystem: "sync",
			Name:      "jobs_in_flight",
			Help:      "Number of sync jobs running in this process",
		},
	)

	// SyncUnitsTotal counts settled units (chunks or identifiers) by stage and outcome.
	SyncUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "sync",
			Name:      "units_total",
			Help:      "Total number of settled sync units by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	SyncUnitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "sync",
			Name:      "unit_failures_total",
			Help:      "Total number of failed unit attempts by stage and error code",
		},
		[]string{"stage", "code"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"operation", "status_code"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	RateAuditMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "rates",
			Name:      "audit_mismatches_total",
			Help:      "Total number of exchange rate mismatches reported by audits",
		},
	)

	SchedulerSyncsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "scheduler",
			Name:      "syncs_started_total",
			Help:      "Total number of scheduled sync jobs started",
		},
	)
)
