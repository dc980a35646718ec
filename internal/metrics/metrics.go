// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diary_bot"

var (
	// UpdatesTotal counts Telegram updates by kind.
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Telegram updates received, by update type.",
		},
		[]string{"update_type"},
	)

	// EntriesCreatedTotal counts stored diary entries.
	EntriesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_created_total",
			Help:      "Diary entries stored, by entry type and source.",
		},
		[]string{"entry_type", "source"},
	)

	// ProcessingTotal counts finished processing jobs by outcome.
	ProcessingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_total",
			Help:      "Entry processing jobs, by entry type and outcome (done|failed|retry).",
		},
		[]string{"entry_type", "outcome"},
	)

	// RemindersTotal counts reminder sweep decisions.
	RemindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder decisions per user in window (sent|complete|already_sent|failed).",
		},
		[]string{"outcome"},
	)

	// SweepDuration observes reminder sweep wall time.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reminder_sweep_duration_seconds",
			Help:      "Duration of reminder sweeps.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// WorkerQueueDepth tracks pending jobs per shard.
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Jobs waiting in each worker shard.",
		},
		[]string{"shard"},
	)

	// WorkerJobsTotal counts executed jobs by outcome.
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Jobs executed by worker shards, by outcome (ok|error|panic|skipped).",
		},
		[]string{"shard", "outcome"},
	)
)
