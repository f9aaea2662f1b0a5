// Package health runs background liveness probes against registered
// service instances and feeds the results back into the registry.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
)

// Monitor owns one prober goroutine per watched service plus a single
// heartbeat expiry loop. All probers share the HTTP client and the
// pooled gRPC connections.
type Monitor struct {
	registry *registry.Registry
	logger   observability.Logger
	client   *http.Client

	heartbeatTTL time.Duration

	mu      sync.Mutex
	probers map[string]*prober
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// Option is a functional option for configuring the monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithHeartbeatTTL sets how long a registration may go without a
// heartbeat before it is expired from the registry.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(m *Monitor) {
		m.heartbeatTTL = ttl
	}
}

// NewMonitor creates a monitor bound to the given registry.
func NewMonitor(reg *registry.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		registry:     reg,
		logger:       observability.NopLogger(),
		client:       &http.Client{Timeout: config.DefaultProbeTimeout},
		heartbeatTTL: config.DefaultHeartbeatTTL,
		probers:      make(map[string]*prober),
		grpcConns:    make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the heartbeat expiry loop. Probers start on Watch.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.expiryLoop(ctx, stopCh, doneCh)
}

// Stop stops the expiry loop and every prober, then closes pooled
// gRPC connections. The monitor may be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	expiryRunning := m.running
	stopCh, doneCh := m.stopCh, m.doneCh
	m.running = false
	probers := make([]*prober, 0, len(m.probers))
	for _, p := range m.probers {
		probers = append(probers, p)
	}
	m.probers = make(map[string]*prober)
	m.mu.Unlock()

	if expiryRunning {
		close(stopCh)
		<-doneCh
	}

	for _, p := range probers {
		p.stop()
	}
	m.closeAllGRPCConns()
}

// Watch starts periodic probing for a service. Watching an already
// watched service replaces its prober with the new configuration.
func (m *Monitor) Watch(service string, cfg config.HealthCheckConfig) {
	cfg.Validate()

	m.mu.Lock()
	if old, ok := m.probers[service]; ok {
		defer old.stop()
	}
	p := newProber(m, service, cfg)
	m.probers[service] = p
	m.mu.Unlock()

	p.start()
}

// Unwatch stops probing for a service.
func (m *Monitor) Unwatch(service string) {
	m.mu.Lock()
	p, ok := m.probers[service]
	delete(m.probers, service)
	m.mu.Unlock()

	if ok {
		p.stop()
	}
}

// Watched returns the names of currently watched services.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.probers))
	for name := range m.probers {
		names = append(names, name)
	}
	return names
}

// CheckNow runs one probe round for a service synchronously and
// returns the per-instance results keyed by address.
func (m *Monitor) CheckNow(ctx context.Context, service string, cfg config.HealthCheckConfig) map[string]bool {
	cfg.Validate()

	results := make(map[string]bool)
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for _, desc := range m.registry.Instances(service) {
		wg.Add(1)
		go func(d *registry.Descriptor) {
			defer wg.Done()
			err := m.probe(ctx, d, cfg)
			resMu.Lock()
			results[d.Addr()] = err == nil
			resMu.Unlock()
		}(desc)
	}
	wg.Wait()
	return results
}

func (m *Monitor) expiryLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.heartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			expired := m.registry.ExpireStale(m.heartbeatTTL)
			for _, desc := range expired {
				m.logger.Warn("registration expired without heartbeat",
					observability.String("service", desc.Name),
					observability.String("addr", desc.Addr()))
			}
		}
	}
}

// probe dispatches to the HTTP or gRPC prober for one instance.
func (m *Monitor) probe(ctx context.Context, desc *registry.Descriptor, cfg config.HealthCheckConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout.Duration())
	defer cancel()

	if cfg.UseGRPC {
		return m.probeGRPC(ctx, desc, cfg)
	}
	return m.probeHTTP(ctx, desc, cfg)
}

func (m *Monitor) probeHTTP(ctx context.Context, desc *registry.Descriptor, cfg config.HealthCheckConfig) error {
	url := desc.URL() + cfg.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		recordProbe(desc.Name, "failure", duration)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		recordProbe(desc.Name, "success", duration)
		return nil
	}

	recordProbe(desc.Name, "failure", duration)
	return &UnhealthyStatusError{StatusCode: resp.StatusCode}
}

func (m *Monitor) probeGRPC(ctx context.Context, desc *registry.Descriptor, cfg config.HealthCheckConfig) error {
	addr := desc.Addr()

	conn, err := m.getGRPCConn(addr)
	if err != nil {
		recordProbe(desc.Name, "failure", 0)
		return err
	}

	client := healthpb.NewHealthClient(conn)

	start := time.Now()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{
		Service: cfg.GRPCService,
	})
	duration := time.Since(start)

	if err != nil {
		recordProbe(desc.Name, "failure", duration)
		m.closeGRPCConn(addr)
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		recordProbe(desc.Name, "failure", duration)
		return &NotServingError{Status: resp.GetStatus()}
	}

	recordProbe(desc.Name, "success", duration)
	return nil
}

// getGRPCConn returns a pooled gRPC connection for the address.
func (m *Monitor) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	m.grpcMu.Lock()
	defer m.grpcMu.Unlock()

	if conn, ok := m.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close stale gRPC connection",
				observability.String("addr", addr),
				observability.Error(err))
		}
		delete(m.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	m.grpcConns[addr] = conn
	return conn, nil
}

func (m *Monitor) closeGRPCConn(addr string) {
	m.grpcMu.Lock()
	defer m.grpcMu.Unlock()

	if conn, ok := m.grpcConns[addr]; ok {
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err))
		}
		delete(m.grpcConns, addr)
	}
}

func (m *Monitor) closeAllGRPCConns() {
	m.grpcMu.Lock()
	defer m.grpcMu.Unlock()

	for addr, conn := range m.grpcConns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err))
		}
		delete(m.grpcConns, addr)
	}
}
