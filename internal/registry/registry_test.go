package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyDescriptor(name, host string, port int, version string) *Descriptor {
	d := NewDescriptor(name, host, port).WithVersion(version)
	d.SetStatus(StatusHealthy)
	return d
}

func TestRegistry_RegisterAndDiscover(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(healthyDescriptor("users", "10.0.0.2", 8080, "1.2.0")))
	require.NoError(t, r.Register(healthyDescriptor("users", "10.0.0.1", 8080, "1.3.0")))

	instances := r.Discover("users", "")
	require.Len(t, instances, 2)
	// Sorted by (host, port) for reproducible selection.
	assert.Equal(t, "10.0.0.1", instances[0].Host)
	assert.Equal(t, "10.0.0.2", instances[1].Host)
}

func TestRegistry_RegisterReplacesSameAddress(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(healthyDescriptor("users", "10.0.0.1", 8080, "1.0.0")))
	require.NoError(t, r.Register(healthyDescriptor("users", "10.0.0.1", 8080, "2.0.0")))

	instances := r.Discover("users", "")
	require.Len(t, instances, 1)
	assert.Equal(t, "2.0.0", instances[0].Version)
}

func TestRegistry_Deregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(healthyDescriptor("users", "10.0.0.1", 8080, "1.0.0")))

	require.NoError(t, r.Deregister("users", "10.0.0.1", 8080))
	assert.Empty(t, r.Discover("users", ""))

	// Deregistering an unknown instance is not an error.
	require.NoError(t, r.Deregister("users", "10.0.0.9", 8080))
}

func TestRegistry_DiscoverVersionConstraint(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(healthyDescriptor("users", "a", 1, "1.9.3")))
	require.NoError(t, r.Register(healthyDescriptor("users", "b", 1, "2.0.1")))
	require.NoError(t, r.Register(healthyDescriptor("users", "c", 1, "2.4.0")))

	// A bare major matches any 2.x.y.
	matched := r.Discover("users", "2")
	require.Len(t, matched, 2)
	assert.Equal(t, "b", matched[0].Host)
	assert.Equal(t, "c", matched[1].Host)

	matched = r.Discover("users", "2.4")
	require.Len(t, matched, 1)
	assert.Equal(t, "c", matched[0].Host)

	// An invalid constraint falls back to all available instances.
	assert.Len(t, r.Discover("users", "not-a-version"), 3)
}

func TestRegistry_DiscoverExcludesUnhealthy(t *testing.T) {
	r := New()
	bad := healthyDescriptor("users", "a", 1, "1.0.0")
	require.NoError(t, r.Register(bad))
	require.NoError(t, r.Register(healthyDescriptor("users", "b", 1, "1.0.0")))

	r.SetHealth("users", "a", 1, StatusUnhealthy)

	instances := r.Discover("users", "")
	require.Len(t, instances, 1)
	assert.Equal(t, "b", instances[0].Host)

	// Unhealthy instances stay registered and reappear on recovery.
	r.SetHealth("users", "a", 1, StatusHealthy)
	assert.Len(t, r.Discover("users", ""), 2)
}

func TestRegistry_GetInstanceRoundRobin(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(healthyDescriptor("users", "b", 1, "1.0.0")))
	require.NoError(t, r.Register(healthyDescriptor("users", "a", 1, "1.0.0")))

	first, err := r.GetInstance("users")
	require.NoError(t, err)
	second, err := r.GetInstance("users")
	require.NoError(t, err)
	third, err := r.GetInstance("users")
	require.NoError(t, err)

	// Rotation starts at the lowest (host, port) and wraps.
	assert.Equal(t, "a", first.Host)
	assert.Equal(t, "b", second.Host)
	assert.Equal(t, "a", third.Host)
}

func TestRegistry_GetInstanceWeighted(t *testing.T) {
	r := New()
	heavy := healthyDescriptor("users", "a", 1, "1.0.0")
	heavy.Metadata["weight"] = "9"
	light := healthyDescriptor("users", "b", 1, "1.0.0")
	light.Metadata["weight"] = "1"
	require.NoError(t, r.Register(heavy))
	require.NoError(t, r.Register(light))

	picks := map[string]int{}
	for i := 0; i < 500; i++ {
		d, err := r.GetInstance("users", WithStrategy(StrategyWeighted))
		require.NoError(t, err)
		picks[d.Host]++
	}

	assert.Greater(t, picks["a"], picks["b"])
	assert.Greater(t, picks["b"], 0)
}

func TestDescriptor_Weight(t *testing.T) {
	d := NewDescriptor("users", "a", 1)
	assert.Equal(t, 1, d.Weight())

	d.Metadata["weight"] = "5"
	assert.Equal(t, 5, d.Weight())

	d.Metadata["weight"] = "nope"
	assert.Equal(t, 1, d.Weight())

	d.Metadata["weight"] = "-3"
	assert.Equal(t, 1, d.Weight())
}

func TestRegistry_GetInstanceNotFound(t *testing.T) {
	r := New()
	_, err := r.GetInstance("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Callbacks(t *testing.T) {
	r := New()

	var mu sync.Mutex
	events := map[Event]int{}
	r.Subscribe(func(event Event, _ *Descriptor) {
		mu.Lock()
		events[event]++
		mu.Unlock()
	})

	require.NoError(t, r.Register(healthyDescriptor("users", "a", 1, "1.0.0")))
	r.SetHealth("users", "a", 1, StatusUnhealthy)
	r.SetHealth("users", "a", 1, StatusUnhealthy) // no change, no event
	r.SetHealth("users", "a", 1, StatusHealthy)
	require.NoError(t, r.Deregister("users", "a", 1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, events[EventRegistered])
	assert.Equal(t, 1, events[EventUnhealthy])
	assert.Equal(t, 1, events[EventHealthy])
	assert.Equal(t, 1, events[EventDeregistered])
}

func TestRegistry_ExpireStale(t *testing.T) {
	r := New()
	stale := healthyDescriptor("users", "a", 1, "1.0.0")
	fresh := healthyDescriptor("users", "b", 1, "1.0.0")
	require.NoError(t, r.Register(stale))
	require.NoError(t, r.Register(fresh))

	stale.lastHeartbeat.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	expired := r.ExpireStale(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "a", expired[0].Host)

	instances := r.Discover("users", "")
	require.Len(t, instances, 1)
	assert.Equal(t, "b", instances[0].Host)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d := NewDescriptor("users", "10.0.0.1", 8000+i)
				d.SetStatus(StatusHealthy)
				_ = r.Register(d)
				r.Discover("users", "")
				_, _ = r.GetInstance("users")
				r.Heartbeat("users", "10.0.0.1", 8000+i)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Discover("users", ""), 8)
}
