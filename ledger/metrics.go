/*
metrics.go - Prometheus instrumentation for the engine

PURPOSE:
  Counters and histograms for the processing pipeline. Registered on the
  default registry at init; the API server exposes them on /metrics.
*/
package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commands_processed_total",
			Help: "Commands that reached a post-processing status, by action and status.",
		},
		[]string{"action", "status"},
	)

	occConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_occ_conflicts_total",
			Help: "Stale-version collisions observed across all processing attempts.",
		},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_dead_letters_total",
			Help: "Commands parked terminally, by action.",
		},
		[]string{"action"},
	)

	commandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_command_processing_seconds",
			Help:    "Wall time spent processing one claimed command.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"action"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_queue_items",
			Help: "Queue items currently in each status.",
		},
		[]string{"status"},
	)
)

// observeProcessed records a command reaching status after d of processing.
func observeProcessed(action Action, status QueueStatus, d time.Duration) {
	commandsProcessedTotal.WithLabelValues(string(action), string(status)).Inc()
	commandDurationSeconds.WithLabelValues(string(action)).Observe(d.Seconds())
	if status == QueueDeadLetter {
		deadLettersTotal.WithLabelValues(string(action)).Inc()
	}
}

// observeQueueDepth publishes per-status queue gauges.
func observeQueueDepth(counts map[QueueStatus]int) {
	for _, s := range []QueueStatus{
		QueuePending, QueueProcessing, QueueProcessed,
		QueueFailed, QueueOCCTimeout, QueueDeadLetter,
	} {
		queueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
