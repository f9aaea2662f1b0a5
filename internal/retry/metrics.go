package retry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts attempts per operation and attempt number.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of attempts",
		},
		[]string{"operation", "attempt"},
	)

	// SuccessTotal counts operations that eventually succeeded.
	SuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_success_total",
			Help: "Total number of operations that succeeded within the attempt budget",
		},
		[]string{"operation"},
	)

	// ExhaustedTotal counts operations that failed on every attempt.
	ExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_exhausted_total",
			Help: "Total number of operations that exhausted all attempts",
		},
		[]string{"operation"},
	)

	// AbortedTotal counts operations stopped by a non-retryable error.
	AbortedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_aborted_total",
			Help: "Total number of operations aborted on a non-retryable error",
		},
		[]string{"operation"},
	)

	// OperationDuration measures the total duration of retry loops.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retry_operation_duration_seconds",
			Help:    "Total duration of retry loops in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)
)

// RecordAttempt records one attempt of an operation.
func RecordAttempt(operation string, attempt int) {
	AttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordSuccess records an operation that succeeded.
func RecordSuccess(operation string, durationSeconds float64) {
	SuccessTotal.WithLabelValues(operation).Inc()
	OperationDuration.WithLabelValues(operation, "success").Observe(durationSeconds)
}

// RecordExhausted records an operation that failed on every attempt.
func RecordExhausted(operation string, durationSeconds float64) {
	ExhaustedTotal.WithLabelValues(operation).Inc()
	OperationDuration.WithLabelValues(operation, "exhausted").Observe(durationSeconds)
}

// RecordAbort records an operation stopped by a non-retryable error.
func RecordAbort(operation string) {
	AbortedTotal.WithLabelValues(operation).Inc()
}
