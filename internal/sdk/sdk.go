// Package sdk assembles the communication layer into a single facade:
// one registry, one health monitor, one shared response cache, and a
// cached per-service client factory. Applications embed this instead
// of wiring the individual packages by hand.
package sdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avsvclient/internal/cache"
	"github.com/vyrodovalexey/avsvclient/internal/circuitbreaker"
	"github.com/vyrodovalexey/avsvclient/internal/client"
	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/health"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
	"github.com/vyrodovalexey/avsvclient/internal/typed"
)

// ServiceCall names one call in a multi-service fan-out.
type ServiceCall struct {
	Service string
	Spec    client.CallSpec
}

// SDK is the application-facing entry point of the communication
// layer. All methods are safe for concurrent use.
type SDK struct {
	cfg    *config.Config
	logger observability.Logger

	registry *registry.Registry
	monitor  *health.Monitor
	store    cache.Cache

	mu      sync.Mutex
	clients map[string]*client.Client
	current *registry.Descriptor

	typedOnce sync.Once
	typedIf   *typed.Interface
}

// Option configures the SDK.
type Option func(*SDK)

// WithLogger sets the logger shared by all components.
func WithLogger(logger observability.Logger) Option {
	return func(s *SDK) { s.logger = logger }
}

// WithCache overrides the response cache built from configuration.
func WithCache(store cache.Cache) Option {
	return func(s *SDK) { s.store = store }
}

// New builds an SDK from configuration. Missing configuration values
// are normalized to defaults.
func New(cfg *config.Config, opts ...Option) (*SDK, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Validate()

	s := &SDK{
		cfg:     cfg,
		logger:  observability.NopLogger(),
		clients: make(map[string]*client.Client),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = registry.New(registry.WithLogger(s.logger))
	if s.store == nil {
		store, err := cache.New(&cfg.Cache, s.logger)
		if err != nil {
			return nil, fmt.Errorf("build cache: %w", err)
		}
		s.store = store
	}
	s.monitor = health.NewMonitor(s.registry, health.WithLogger(s.logger))
	return s, nil
}

// Start registers the services named in configuration and launches
// background health monitoring for those that enable it.
func (s *SDK) Start(ctx context.Context) error {
	for name, svc := range s.cfg.Services {
		if svc.Host == "" {
			continue
		}
		if err := s.RegisterExternalService(name, svc.Host, svc.Port,
			WithProtocol(svc.Protocol),
			WithVersion(svc.Version),
			WithMetadata(svc.Metadata),
		); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	s.monitor.Start(ctx)
	for name, svc := range s.cfg.Services {
		if svc.HealthCheck.Enabled {
			s.monitor.Watch(name, svc.HealthCheck)
		}
	}

	s.logger.Info("sdk started",
		observability.Int("services", len(s.cfg.Services)),
		observability.Strings("watched", s.monitor.Watched()))
	return nil
}

// RegisterOption customizes a descriptor at registration time.
type RegisterOption func(*registry.Descriptor)

// WithProtocol sets the instance protocol ("http" or "https").
// Empty values keep the default.
func WithProtocol(protocol string) RegisterOption {
	return func(d *registry.Descriptor) {
		if protocol != "" {
			d.Protocol = protocol
		}
	}
}

// WithVersion sets the instance semantic version. Empty values keep
// the default.
func WithVersion(version string) RegisterOption {
	return func(d *registry.Descriptor) {
		if version != "" {
			d.Version = version
		}
	}
}

// WithMetadata merges metadata into the descriptor.
func WithMetadata(metadata map[string]string) RegisterOption {
	return func(d *registry.Descriptor) {
		for k, v := range metadata {
			d.Metadata[k] = v
		}
	}
}

// RegisterCurrentService announces the running process itself as an
// instance. It is remembered so Shutdown can deregister it.
func (s *SDK) RegisterCurrentService(name, host string, port int, opts ...RegisterOption) error {
	desc := newDescriptor(name, host, port, opts)
	if err := s.registry.Register(desc); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = desc
	s.mu.Unlock()
	return nil
}

// RegisterExternalService announces an instance of a downstream
// service. It is treated as healthy until probing says otherwise.
func (s *SDK) RegisterExternalService(name, host string, port int, opts ...RegisterOption) error {
	return s.registry.Register(newDescriptor(name, host, port, opts))
}

func newDescriptor(name, host string, port int, opts []RegisterOption) *registry.Descriptor {
	desc := registry.NewDescriptor(name, host, port)
	for _, opt := range opts {
		opt(desc)
	}
	desc.SetStatus(registry.StatusHealthy)
	return desc
}

// DeregisterCurrentService removes the instance registered by
// RegisterCurrentService. It is a no-op when none was registered.
func (s *SDK) DeregisterCurrentService() error {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()
	if current == nil {
		return nil
	}
	return s.registry.Deregister(current.Name, current.Host, current.Port)
}

// Deregister removes one instance of a service.
func (s *SDK) Deregister(name, host string, port int) error {
	return s.registry.Deregister(name, host, port)
}

// DiscoverServices returns the healthy instances of a service,
// optionally filtered by a semver constraint.
func (s *SDK) DiscoverServices(name, constraint string) []*registry.Descriptor {
	return s.registry.Discover(name, constraint)
}

// GetServiceEndpoint selects one instance and returns its base URL.
func (s *SDK) GetServiceEndpoint(name string, opts ...registry.SelectOption) (string, error) {
	desc, err := s.registry.GetInstance(name, opts...)
	if err != nil {
		return "", err
	}
	return desc.URL(), nil
}

// ListAllServices returns every registered instance grouped by
// service name.
func (s *SDK) ListAllServices() map[string][]*registry.Descriptor {
	return s.registry.List()
}

// Subscribe registers a callback for registry lifecycle events.
func (s *SDK) Subscribe(cb registry.Callback) {
	s.registry.Subscribe(cb)
}

// GetClient returns the client for a service, creating and caching it
// on first use. Services absent from configuration get defaults.
func (s *SDK) GetClient(service string) *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[service]; ok {
		return c
	}
	c := client.New(service, s.cfg.Services[service], s.registry,
		client.WithCache(s.store),
		client.WithLogger(s.logger))
	s.clients[service] = c
	return c
}

// Typed returns the schema-validating call interface, backed by the
// cached client factory.
func (s *SDK) Typed() *typed.Interface {
	s.typedOnce.Do(func() {
		s.typedIf = typed.New(func(service string) (typed.Caller, error) {
			return s.GetClient(service), nil
		}, typed.WithLogger(s.logger))
	})
	return s.typedIf
}

// Call performs one request against a service.
func (s *SDK) Call(ctx context.Context, service string, spec client.CallSpec) client.Result {
	return s.GetClient(service).Call(ctx, spec)
}

// CallMultipleServices fans one call per entry out concurrently.
// Results are index-aligned with calls; one failure never affects the
// others.
func (s *SDK) CallMultipleServices(ctx context.Context, calls []ServiceCall) []client.Result {
	results := make([]client.Result, len(calls))
	var wg sync.WaitGroup
	for i, sc := range calls {
		wg.Add(1)
		go func(i int, sc ServiceCall) {
			defer wg.Done()
			results[i] = s.GetClient(sc.Service).Call(ctx, sc.Spec)
		}(i, sc)
	}
	wg.Wait()
	return results
}

// CheckServiceHealth probes every instance of a service once and
// returns per-address results.
func (s *SDK) CheckServiceHealth(ctx context.Context, service string) map[string]bool {
	cfg := s.cfg.Services[service].HealthCheck
	cfg.Validate()
	return s.monitor.CheckNow(ctx, service, cfg)
}

// CheckMultipleServices probes several services concurrently.
func (s *SDK) CheckMultipleServices(ctx context.Context, services []string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(services))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range services {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result := s.CheckServiceHealth(ctx, name)
			mu.Lock()
			out[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return out
}

// BreakerStats aggregates circuit breaker statistics across every
// client created so far.
func (s *SDK) BreakerStats() map[string]circuitbreaker.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]circuitbreaker.Stats)
	for _, c := range s.clients {
		for key, stats := range c.BreakerStats() {
			out[key] = stats
		}
	}
	return out
}

// Registry exposes the underlying service registry.
func (s *SDK) Registry() *registry.Registry { return s.registry }

// Monitor exposes the underlying health monitor.
func (s *SDK) Monitor() *health.Monitor { return s.monitor }

// Shutdown deregisters the current service, stops health monitoring
// and releases the cache backend.
func (s *SDK) Shutdown() error {
	if err := s.DeregisterCurrentService(); err != nil {
		s.logger.Warn("deregister on shutdown", observability.Error(err))
	}
	s.monitor.Stop()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	s.logger.Info("sdk stopped")
	return nil
}
