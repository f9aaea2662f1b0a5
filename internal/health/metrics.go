package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts health probes by service and result.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcclient",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of health probes",
		},
		[]string{"service", "result"},
	)

	// ProbeDuration measures health probe round-trip times.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcclient",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Duration of health probes in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service", "result"},
	)

	// InstanceHealthy reports the last settled health verdict per instance.
	InstanceHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcclient",
			Subsystem: "health",
			Name:      "instance_healthy",
			Help:      "Whether an instance is currently considered healthy (1) or not (0)",
		},
		[]string{"service", "instance"},
	)
)

func recordProbe(service, result string, duration time.Duration) {
	ProbesTotal.WithLabelValues(service, result).Inc()
	ProbeDuration.WithLabelValues(service, result).Observe(duration.Seconds())
}
