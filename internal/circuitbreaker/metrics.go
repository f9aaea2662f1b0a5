package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState shows the current state per breaker
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	// BreakerRequestsTotal counts admission decisions per breaker.
	BreakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_circuit_breaker_requests_total",
			Help: "Total number of admission decisions per circuit breaker",
		},
		[]string{"key", "result"},
	)

	// BreakerOutcomesTotal counts recorded call outcomes per breaker.
	BreakerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_circuit_breaker_outcomes_total",
			Help: "Total number of recorded call outcomes per circuit breaker",
		},
		[]string{"key", "outcome"},
	)

	// BreakerTransitionsTotal counts state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"key", "from", "to"},
	)
)

func recordAdmission(key string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	BreakerRequestsTotal.WithLabelValues(key, result).Inc()
}

func recordOutcome(key string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	BreakerOutcomesTotal.WithLabelValues(key, outcome).Inc()
}

func recordStateChange(key string, from, to State) {
	BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	BreakerState.WithLabelValues(key).Set(float64(to))
}
