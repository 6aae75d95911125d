package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conversation lifecycle metrics
var (
	// Request counters
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Request duration histogram
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Status transition counter
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "transitions_total",
			Help:      "Committed conversation status transitions",
		},
		[]string{"from", "to"},
	)

	// Optimistic locking conflicts
	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "version_conflicts_total",
			Help:      "Conditional updates rejected by the version check",
		},
	)

	ConflictRetriesExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "conflict_retries_exhausted_total",
			Help:      "Mutations surfaced to callers after the retry budget ran out",
		},
	)

	// Closure detector decisions
	ClosureDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "closure_decisions_total",
			Help:      "Closure detector outcomes",
		},
		[]string{"decision"},
	)

	// Sweeper results
	SweepProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "sweep_processed_total",
			Help:      "Conversations processed by the expiration sweeper",
		},
		[]string{"pass", "result"},
	)

	// Reply queue depth gauge
	ReplyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "conversation_api",
			Name:      "reply_queue_depth",
			Help:      "Pending automated-reply tasks",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordTransition records a committed status transition
func RecordTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordVersionConflict records one rejected conditional update
func RecordVersionConflict() {
	VersionConflictsTotal.Inc()
}

// RecordConflictRetriesExhausted records a mutation that ran out of retries
func RecordConflictRetriesExhausted() {
	ConflictRetriesExhaustedTotal.Inc()
}

// RecordClosureDecision records a detector outcome (auto_close, flagged, none)
func RecordClosureDecision(decision string) {
	ClosureDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSweep records one sweeper candidate outcome
func RecordSweep(pass, result string) {
	SweepProcessedTotal.WithLabelValues(pass, result).Inc()
}

// SetReplyQueueDepth sets the current reply queue depth
func SetReplyQueueDepth(depth int64) {
	ReplyQueueDepth.Set(float64(depth))
}
