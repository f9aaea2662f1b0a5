package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal counts logical service calls by outcome. The outcome
	// is "success", "failure" or "cache_hit".
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcclient",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Total number of logical service calls",
		},
		[]string{"service", "endpoint", "outcome"},
	)

	// CallDuration measures the full pipeline duration of a logical
	// call, including retries and backoff waits.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcclient",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Duration of logical service calls in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "endpoint", "outcome"},
	)
)

func recordCall(service, endpoint, outcome string, duration time.Duration) {
	label := endpointLabel(endpoint)
	CallsTotal.WithLabelValues(service, label, outcome).Inc()
	CallDuration.WithLabelValues(service, label, outcome).Observe(duration.Seconds())
}
