package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/vyrodovalexey/avsvclient/internal/observability"
)

// ErrNotFound is returned when no available instance of a service exists.
var ErrNotFound = errors.New("service not found")

// Strategy selects one instance among several available candidates.
type Strategy string

const (
	// StrategyRoundRobin rotates through candidates in (host, port) order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom picks a uniformly random candidate.
	StrategyRandom Strategy = "random"
	// StrategyFirst always picks the lowest (host, port) candidate.
	StrategyFirst Strategy = "first"
	// StrategyWeighted picks randomly, biased by each instance's
	// "weight" metadata value (default 1).
	StrategyWeighted Strategy = "weighted"
)

// Event identifies a registry lifecycle event.
type Event string

const (
	EventRegistered   Event = "registered"
	EventDeregistered Event = "deregistered"
	EventHealthy      Event = "healthy"
	EventUnhealthy    Event = "unhealthy"
)

// Callback receives registry lifecycle events.
type Callback func(event Event, desc *Descriptor)

// Registry is a concurrent in-memory service registry. All state is
// process local and lost on restart.
type Registry struct {
	logger observability.Logger

	mu        sync.RWMutex
	services  map[string][]*Descriptor
	rrCounter map[string]int
	callbacks []Callback
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:    observability.NopLogger(),
		services:  make(map[string][]*Descriptor),
		rrCounter: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a callback for lifecycle events. Callbacks run
// synchronously on the mutating goroutine and must not call back into
// the registry.
func (r *Registry) Subscribe(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Register adds an instance, replacing any previous instance with the
// same (name, host, port).
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.Name == "" || desc.Host == "" || desc.Port <= 0 {
		return fmt.Errorf("invalid descriptor: %+v", desc)
	}

	r.mu.Lock()
	instances := r.services[desc.Name]
	filtered := instances[:0:0]
	for _, d := range instances {
		if d.Host != desc.Host || d.Port != desc.Port {
			filtered = append(filtered, d)
		}
	}
	filtered = append(filtered, desc)
	sortInstances(filtered)
	r.services[desc.Name] = filtered
	cbs := r.snapshotCallbacks()
	r.mu.Unlock()

	r.logger.Info("service registered",
		observability.String("service", desc.Name),
		observability.String("addr", desc.Addr()),
		observability.String("version", desc.Version),
	)
	recordInstanceCount(desc.Name, len(filtered))
	notify(cbs, EventRegistered, desc)
	return nil
}

// Deregister removes the instance identified by (name, host, port).
// Removing an unknown instance is not an error.
func (r *Registry) Deregister(name, host string, port int) error {
	r.mu.Lock()
	instances := r.services[name]
	var removed *Descriptor
	filtered := instances[:0:0]
	for _, d := range instances {
		if d.Host == host && d.Port == port {
			removed = d
			continue
		}
		filtered = append(filtered, d)
	}
	if len(filtered) == 0 {
		delete(r.services, name)
		delete(r.rrCounter, name)
	} else {
		r.services[name] = filtered
	}
	cbs := r.snapshotCallbacks()
	r.mu.Unlock()

	if removed == nil {
		return nil
	}

	r.logger.Info("service deregistered",
		observability.String("service", name),
		observability.String("addr", removed.Addr()),
	)
	recordInstanceCount(name, len(filtered))
	notify(cbs, EventDeregistered, removed)
	return nil
}

// Discover returns the available instances of a service, optionally
// filtered by a semantic version constraint. A bare major or
// major.minor constraint matches as a prefix: "2" matches any 2.x.y.
// The result is a copy sorted by (host, port).
func (r *Registry) Discover(name, constraint string) []*Descriptor {
	r.mu.RLock()
	instances := r.services[name]
	candidates := make([]*Descriptor, 0, len(instances))
	for _, d := range instances {
		if d.Available() {
			candidates = append(candidates, d)
		}
	}
	r.mu.RUnlock()

	recordDiscovery(name)

	if constraint == "" {
		return candidates
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		r.logger.Warn("invalid version constraint",
			observability.String("service", name),
			observability.String("constraint", constraint),
			observability.Error(err),
		)
		return candidates
	}

	filtered := candidates[:0:0]
	for _, d := range candidates {
		v, err := semver.NewVersion(d.Version)
		if err != nil {
			continue
		}
		if c.Check(v) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// pickWeighted selects a candidate with probability proportional to
// its "weight" metadata value. Missing or invalid weights count as 1.
func pickWeighted(candidates []*Descriptor) *Descriptor {
	total := 0
	weights := make([]int, len(candidates))
	for i, d := range candidates {
		weights[i] = d.Weight()
		total += weights[i]
	}

	//nolint:gosec // G404: load distribution is not security-sensitive
	n := rand.IntN(total)
	for i, w := range weights {
		if n < w {
			return candidates[i]
		}
		n -= w
	}
	return candidates[len(candidates)-1]
}

// Instances returns every registered instance of a service regardless
// of health. Health probing uses this so unhealthy instances keep
// being checked and can recover.
func (r *Registry) Instances(name string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := r.services[name]
	out := make([]*Descriptor, len(instances))
	copy(out, instances)
	return out
}

// GetInstance selects one available instance of a service.
func (r *Registry) GetInstance(name string, opts ...SelectOption) (*Descriptor, error) {
	sel := selectOptions{strategy: StrategyRoundRobin}
	for _, opt := range opts {
		opt(&sel)
	}

	candidates := r.Discover(name, sel.constraint)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	switch sel.strategy {
	case StrategyRandom:
		//nolint:gosec // G404: load distribution is not security-sensitive
		return candidates[rand.IntN(len(candidates))], nil
	case StrategyFirst:
		return candidates[0], nil
	case StrategyWeighted:
		return pickWeighted(candidates), nil
	default:
		r.mu.Lock()
		idx := r.rrCounter[name] % len(candidates)
		r.rrCounter[name]++
		r.mu.Unlock()
		return candidates[idx], nil
	}
}

// SelectOption configures instance selection.
type SelectOption func(*selectOptions)

type selectOptions struct {
	strategy   Strategy
	constraint string
}

// WithStrategy sets the selection strategy.
func WithStrategy(s Strategy) SelectOption {
	return func(o *selectOptions) {
		o.strategy = s
	}
}

// WithVersionConstraint restricts selection to matching versions.
func WithVersionConstraint(constraint string) SelectOption {
	return func(o *selectOptions) {
		o.constraint = constraint
	}
}

// SetHealth flips the health status of an instance and fires the
// corresponding event when the status actually changed.
func (r *Registry) SetHealth(name, host string, port int, status HealthStatus) {
	r.mu.RLock()
	var target *Descriptor
	for _, d := range r.services[name] {
		if d.Host == host && d.Port == port {
			target = d
			break
		}
	}
	cbs := r.snapshotCallbacks()
	r.mu.RUnlock()

	if target == nil || target.Status() == status {
		return
	}
	target.SetStatus(status)
	recordHealthState(name, target.Addr(), status)

	switch status {
	case StatusHealthy:
		notify(cbs, EventHealthy, target)
	case StatusUnhealthy:
		notify(cbs, EventUnhealthy, target)
	}
}

// Heartbeat refreshes the heartbeat of an instance. Unknown instances
// are ignored.
func (r *Registry) Heartbeat(name, host string, port int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.services[name] {
		if d.Host == host && d.Port == port {
			d.Heartbeat()
			return
		}
	}
}

// ExpireStale removes instances whose heartbeat is older than ttl and
// returns the removed descriptors. Sustained absence of heartbeats is
// the only path that removes an instance without an explicit
// Deregister call.
func (r *Registry) ExpireStale(ttl time.Duration) []*Descriptor {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var expired []*Descriptor
	for name, instances := range r.services {
		filtered := instances[:0:0]
		for _, d := range instances {
			if d.LastHeartbeat().Before(cutoff) {
				expired = append(expired, d)
				continue
			}
			filtered = append(filtered, d)
		}
		if len(filtered) == 0 {
			delete(r.services, name)
			delete(r.rrCounter, name)
		} else {
			r.services[name] = filtered
		}
		recordInstanceCount(name, len(filtered))
	}
	cbs := r.snapshotCallbacks()
	r.mu.Unlock()

	for _, d := range expired {
		r.logger.Warn("instance heartbeat expired",
			observability.String("service", d.Name),
			observability.String("addr", d.Addr()),
		)
		notify(cbs, EventDeregistered, d)
	}
	return expired
}

// List returns a snapshot of all registered instances keyed by service
// name.
func (r *Registry) List() map[string][]*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*Descriptor, len(r.services))
	for name, instances := range r.services {
		out[name] = append([]*Descriptor(nil), instances...)
	}
	return out
}

// Services returns the names of all registered services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshotCallbacks() []Callback {
	return append([]Callback(nil), r.callbacks...)
}

// sortInstances orders instances by (host, port) so selection among
// equal candidates is reproducible.
func sortInstances(instances []*Descriptor) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Host != instances[j].Host {
			return instances[i].Host < instances[j].Host
		}
		return instances[i].Port < instances[j].Port
	})
}

func notify(cbs []Callback, event Event, desc *Descriptor) {
	for _, cb := range cbs {
		cb(event, desc)
	}
}
