package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegisteredInstances tracks the number of registered instances per service.
	RegisteredInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_registry_instances",
			Help: "Number of registered instances per service",
		},
		[]string{"service"},
	)

	// InstanceHealth shows instance health (0=unknown, 1=healthy, 2=unhealthy).
	InstanceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_registry_instance_health",
			Help: "Health state of a service instance (0=unknown, 1=healthy, 2=unhealthy)",
		},
		[]string{"service", "addr"},
	)

	// DiscoveriesTotal counts discovery lookups per service.
	DiscoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "service_registry_discoveries_total",
			Help: "Total number of discovery lookups per service",
		},
		[]string{"service"},
	)
)

func recordInstanceCount(service string, count int) {
	RegisteredInstances.WithLabelValues(service).Set(float64(count))
}

func recordHealthState(service, addr string, status HealthStatus) {
	InstanceHealth.WithLabelValues(service, addr).Set(float64(status))
}

func recordDiscovery(service string) {
	DiscoveriesTotal.WithLabelValues(service).Inc()
}
