// Package metrics exposes the sync engine's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_events_replicated_total",
		Help: "Change-log events applied to a target database",
	}, []string{"source", "target"})
	EventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_events_skipped_total",
		Help: "Change-log events skipped because the target already dominated or the table is untracked",
	}, []string{"source", "reason"})
	ConflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgesync_conflicts_detected_total",
		Help: "Concurrent-write conflicts stored for operator review",
	}, []string{"table"})
	ConflictsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgesync_conflicts_resolved_total",
		Help: "Conflict records closed through the resolution workflow",
	})
	ApplyRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgesync_apply_retries_total",
		Help: "Transient apply failures that were retried",
	})
	RoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgesync_rounds_total",
		Help: "Completed worker rounds",
	})
	RoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgesync_round_duration_seconds",
		Help:    "Duration of one worker round",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	CursorPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgesync_cursor_position",
		Help: "Last acknowledged change-log id per source database",
	}, []string{"source"})
	PendingConflicts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgesync_pending_conflicts",
		Help: "Unresolved conflict records on the hub",
	})
)

func init() {
	prometheus.MustRegister(EventsReplicated, EventsSkipped, ConflictsDetected,
		ConflictsResolved, ApplyRetries, RoundsTotal, RoundDuration,
		CursorPosition, PendingConflicts)
}
