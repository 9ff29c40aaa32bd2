// Package metrics registers the Prometheus instruments for the pipeline and
// serves them over HTTP. All metric registration goes through promauto at
// package init; helpers keep label cardinality bounded.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cycle outcome labels. Step tags from the pipeline collapse into
// this set so the cycles counter never grows unbounded label values.
const (
	OutcomeCompleted      = "completed"
	OutcomeEmpty          = "empty"
	OutcomeRejected       = "rejected"
	OutcomeSkippedBreaker = "skipped_breaker"
	OutcomeSkippedHalt    = "skipped_halt"
	OutcomeFailed         = "failed"
)

// Venue error categories (bounded set).
const (
	VenueErrorTimeout     = "timeout"
	VenueErrorRateLimit   = "rate_limit"
	VenueErrorAuth        = "authentication"
	VenueErrorNetwork     = "network"
	VenueErrorInvalidReq  = "invalid_request"
	VenueErrorServerError = "server_error"
	VenueErrorOther       = "other"
)

// NormalizeCycleOutcome maps a final step tag to a bounded outcome label.
func NormalizeCycleOutcome(stepTag string) string {
	switch {
	case stepTag == "SKIPPED_CIRCUIT_BREAKER":
		return OutcomeSkippedBreaker
	case stepTag == "SKIPPED_EMERGENCY_HALT":
		return OutcomeSkippedHalt
	case stepTag == "REJECTED":
		return OutcomeRejected
	case strings.HasSuffix(stepTag, "_EMPTY"):
		return OutcomeEmpty
	case strings.HasSuffix(stepTag, "_FAILED"):
		return OutcomeFailed
	default:
		return OutcomeCompleted
	}
}

// NormalizeVenueError maps arbitrary venue errors to a bounded category.
func NormalizeVenueError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return VenueErrorTimeout
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429"):
		return VenueErrorRateLimit
	case strings.Contains(msg, "auth") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return VenueErrorAuth
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return VenueErrorNetwork
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return VenueErrorInvalidReq
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return VenueErrorServerError
	default:
		return VenueErrorOther
	}
}

// Pipeline metrics
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratpipe_cycles_total",
		Help: "Pipeline cycles by outcome",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratpipe_cycle_duration_seconds",
		Help:    "Wall time of one pipeline cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ConsecutiveCycleErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratpipe_consecutive_cycle_errors",
		Help: "Current run length of failed cycles",
	})
)

// Evaluation metrics
var (
	JobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratpipe_jobs_processed_total",
		Help: "Evaluation jobs completed successfully",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratpipe_jobs_failed_total",
		Help: "Evaluation jobs that failed terminally",
	})

	JobsStalled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratpipe_jobs_stalled_total",
		Help: "Stalled jobs redelivered by the reaper",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratpipe_job_duration_seconds",
		Help:    "Processing time of one evaluation attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	BarsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratpipe_bars_replayed_total",
		Help: "Historical bars pushed through the backtest engine",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratpipe_queue_depth",
		Help: "Jobs per queue state",
	}, []string{"state"})
)

// Gate and execution metrics
var (
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratpipe_gate_rejections_total",
		Help: "Failed safety checks by check name",
	}, []string{"check"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratpipe_executions_total",
		Help: "Venue executions by result",
	}, []string{"result"})

	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratpipe_venue_errors_total",
		Help: "Venue call errors by category",
	}, []string{"category"})
)

// RecordCycle observes one finished cycle.
func RecordCycle(finalStep string, seconds float64, consecutive int) {
	CyclesTotal.WithLabelValues(NormalizeCycleOutcome(finalStep)).Inc()
	CycleDuration.Observe(seconds)
	ConsecutiveCycleErrors.Set(float64(consecutive))
}

// RecordJobProcessed observes one successful evaluation attempt.
func RecordJobProcessed(seconds float64, bars int) {
	JobsProcessed.Inc()
	JobDuration.Observe(seconds)
	if bars > 0 {
		BarsReplayed.Add(float64(bars))
	}
}

// RecordJobFailed observes one terminal failure.
func RecordJobFailed() { JobsFailed.Inc() }

// RecordJobStalled observes one stall redelivery.
func RecordJobStalled() { JobsStalled.Inc() }

// UpdateQueueDepth publishes the queue counts.
func UpdateQueueDepth(waiting, delayed, active, completed, failed int64) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("completed").Set(float64(completed))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordGateRejection counts a failed safety check. Check names are a small
// fixed battery, so the label is bounded.
func RecordGateRejection(check string) {
	GateRejections.WithLabelValues(check).Inc()
}

// RecordExecution counts a venue execution attempt.
func RecordExecution(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	ExecutionsTotal.WithLabelValues(result).Inc()
}

// RecordVenueError counts a venue call error under its bounded category.
func RecordVenueError(err error) {
	if err == nil {
		return
	}
	VenueErrors.WithLabelValues(NormalizeVenueError(err)).Inc()
}
