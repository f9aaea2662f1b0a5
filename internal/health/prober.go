package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
)

// UnhealthyStatusError reports a probe answered with a non-2xx status.
type UnhealthyStatusError struct {
	StatusCode int
}

func (e *UnhealthyStatusError) Error() string {
	return fmt.Sprintf("health probe returned status %d", e.StatusCode)
}

// NotServingError reports a gRPC health probe answered with a status
// other than SERVING.
type NotServingError struct {
	Status healthpb.HealthCheckResponse_ServingStatus
}

func (e *NotServingError) Error() string {
	return fmt.Sprintf("grpc health probe returned %s", e.Status)
}

// prober runs the periodic probe loop for one service. Instances are
// re-discovered from the registry on every round so registrations made
// after Watch are picked up without restarting.
type prober struct {
	monitor *Monitor
	service string
	cfg     config.HealthCheckConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	healthyCounts   map[string]int
	unhealthyCounts map[string]int
}

func newProber(m *Monitor, service string, cfg config.HealthCheckConfig) *prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &prober{
		monitor:         m,
		service:         service,
		cfg:             cfg,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		healthyCounts:   make(map[string]int),
		unhealthyCounts: make(map[string]int),
	}
}

func (p *prober) start() {
	go p.run()
}

func (p *prober) stop() {
	p.cancel()
	<-p.done
}

func (p *prober) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval.Duration())
	defer ticker.Stop()

	p.checkAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkAll()
		}
	}
}

func (p *prober) checkAll() {
	instances := p.monitor.registry.Instances(p.service)

	var wg sync.WaitGroup
	for _, desc := range instances {
		wg.Add(1)
		go func(d *registry.Descriptor) {
			defer wg.Done()
			err := p.monitor.probe(p.ctx, d, p.cfg)
			if p.ctx.Err() != nil {
				return
			}
			if err != nil {
				p.recordFailure(d, err)
			} else {
				p.recordSuccess(d)
			}
		}(desc)
	}
	wg.Wait()

	p.pruneCounts(instances)
}

func (p *prober) recordSuccess(desc *registry.Descriptor) {
	addr := desc.Addr()

	p.mu.Lock()
	p.healthyCounts[addr]++
	p.unhealthyCounts[addr] = 0
	reached := p.healthyCounts[addr] >= p.cfg.HealthyThreshold
	p.mu.Unlock()

	if reached && desc.Status() != registry.StatusHealthy {
		p.monitor.logger.Info("instance became healthy",
			observability.String("service", p.service),
			observability.String("addr", addr))
		p.monitor.registry.SetHealth(desc.Name, desc.Host, desc.Port, registry.StatusHealthy)
		InstanceHealthy.WithLabelValues(p.service, addr).Set(1)
	}
}

func (p *prober) recordFailure(desc *registry.Descriptor, err error) {
	addr := desc.Addr()

	p.mu.Lock()
	p.unhealthyCounts[addr]++
	p.healthyCounts[addr] = 0
	reached := p.unhealthyCounts[addr] >= p.cfg.UnhealthyThreshold
	p.mu.Unlock()

	if reached && desc.Status() != registry.StatusUnhealthy {
		p.monitor.logger.Warn("instance became unhealthy",
			observability.String("service", p.service),
			observability.String("addr", addr),
			observability.Error(err))
		p.monitor.registry.SetHealth(desc.Name, desc.Host, desc.Port, registry.StatusUnhealthy)
		InstanceHealthy.WithLabelValues(p.service, addr).Set(0)
	}
}

// pruneCounts drops counters for instances no longer registered.
func (p *prober) pruneCounts(instances []*registry.Descriptor) {
	current := make(map[string]bool, len(instances))
	for _, desc := range instances {
		current[desc.Addr()] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for addr := range p.healthyCounts {
		if !current[addr] {
			delete(p.healthyCounts, addr)
		}
	}
	for addr := range p.unhealthyCounts {
		if !current[addr] {
			delete(p.unhealthyCounts, addr)
		}
	}
}
