// Package cache provides response caching for service calls.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrCacheUnavailable indicates that the cache backend is not reachable.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// Cache is the main interface for response caching.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrCacheMiss if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// A TTL of 0 means the backend default applies.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// Close closes the cache connection.
	Close() error
}

// CacheWithStats extends Cache with statistics.
type CacheWithStats interface {
	Cache

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats contains cache statistics.
type CacheStats struct {
	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Size is the current number of entries in the cache.
	Size int64
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// New creates a new cache based on the configuration.
func New(cfg *config.CacheConfig, logger observability.Logger) (Cache, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	if !cfg.Enabled {
		return newDisabledCache(), nil
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case config.CacheTypeMemory, "":
		return newMemoryCache(cfg, logger)
	case config.CacheTypeRedis:
		return newRedisCache(cfg, logger)
	default:
		return nil, errors.New("unknown cache type: " + cfg.Type)
	}
}

// Outcome markers prepended to entries written by GetOrCompute so a
// hit can tell a stored value from a stored failure.
const (
	outcomeValue byte = 0x00
	outcomeError byte = 0x01
)

// CachedError is a failure outcome replayed from the cache. The
// underlying error type is not preserved across the cache boundary,
// only its message.
type CachedError struct {
	Message string
}

func (e *CachedError) Error() string {
	return "cached failure: " + e.Message
}

// GetOrCompute returns the cached outcome for key, or runs compute and
// stores its result with the given TTL. When cacheErrors is set,
// compute failures are stored too and hits replay them as
// *CachedError until the entry expires. Backend failures degrade to a
// plain compute so a broken cache never fails the call.
func GetOrCompute(
	ctx context.Context, c Cache, key string, ttl time.Duration, cacheErrors bool,
	compute func() ([]byte, error),
) ([]byte, bool, error) {
	if c != nil {
		if data, err := c.Get(ctx, key); err == nil && len(data) > 0 {
			if data[0] == outcomeError {
				return nil, true, &CachedError{Message: string(data[1:])}
			}
			return data[1:], true, nil
		}
	}

	val, err := compute()
	if err != nil {
		if c != nil && cacheErrors {
			entry := append([]byte{outcomeError}, err.Error()...)
			_ = c.Set(ctx, key, entry, ttl)
		}
		return nil, false, err
	}

	if c != nil {
		entry := append([]byte{outcomeValue}, val...)
		_ = c.Set(ctx, key, entry, ttl)
	}
	return val, false, nil
}

// disabledCache is a cache that always returns ErrCacheDisabled.
type disabledCache struct{}

func newDisabledCache() Cache {
	return &disabledCache{}
}

func (c *disabledCache) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, ErrCacheDisabled
}

func (c *disabledCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return ErrCacheDisabled
}

func (c *disabledCache) Delete(_ context.Context, _ string) error {
	return ErrCacheDisabled
}

func (c *disabledCache) Exists(_ context.Context, _ string) (bool, error) {
	return false, ErrCacheDisabled
}

func (c *disabledCache) Close() error {
	return nil
}
