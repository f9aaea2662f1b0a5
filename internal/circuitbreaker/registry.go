package circuitbreaker

import (
	"sync"

	"github.com/vyrodovalexey/avsvclient/internal/observability"
)

// Registry manages one breaker per (service, endpoint) key. Breakers
// live for the whole process; state is never persisted.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a breaker registry with a default config for new
// breakers.
func NewRegistry(config *Config, logger observability.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Key builds the breaker key for a service endpoint.
func Key(service, endpoint string) string {
	return service + "/" + endpoint
}

// Get returns the breaker for a key, or nil if none exists yet.
func (r *Registry) Get(key string) *Breaker {
	value, ok := r.breakers.Load(key)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for a key, creating it with the
// registry default config when absent.
func (r *Registry) GetOrCreate(key string) *Breaker {
	return r.GetOrCreateWithConfig(key, r.config)
}

// GetOrCreateWithConfig returns the breaker for a key, creating it
// with a specific config when absent.
func (r *Registry) GetOrCreateWithConfig(key string, config *Config) *Breaker {
	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := New(key, config, r.logger)
	actual, loaded := r.breakers.LoadOrStore(key, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("key", key),
	)
	return b
}

// Remove deletes the breaker for a key.
func (r *Registry) Remove(key string) {
	r.breakers.Delete(key)
}

// Stats returns snapshots for every breaker in the registry, keyed by
// breaker key. This is the observability surface for an external
// metrics collector.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// ResetAll resets every breaker to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
}
