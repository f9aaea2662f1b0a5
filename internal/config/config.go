// Package config defines the fully-resolved configuration consumed by
// the service communication layer. Interpolation and layering happen
// upstream; values arriving here are final.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Validate.
const (
	DefaultProtocol         = "http"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 1 * time.Second
	DefaultRetryBackoff     = 2.0
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 60 * time.Second
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbePath        = "/health"
	DefaultHeartbeatTTL     = 90 * time.Second
	DefaultCacheTTL         = 5 * time.Minute
	DefaultCacheMaxEntries  = 10000
)

// Cache backend types.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// Config is the root configuration object.
type Config struct {
	Services      map[string]ServiceConfig `yaml:"services"`
	Cache         CacheConfig              `yaml:"cache"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServiceConfig describes one downstream service.
type ServiceConfig struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Protocol string            `yaml:"protocol"`
	Version  string            `yaml:"version"`
	Metadata map[string]string `yaml:"metadata"`

	Timeout       Duration `yaml:"timeout"`
	RetryAttempts int      `yaml:"retryAttempts"`
	RetryDelay    Duration `yaml:"retryDelay"`
	RetryBackoff  float64  `yaml:"retryBackoff"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`

	DefaultHeaders map[string]string `yaml:"defaultHeaders"`
}

// CircuitBreakerConfig configures the per-endpoint circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	SuccessThreshold int      `yaml:"successThreshold"`
	OpenTimeout      Duration `yaml:"openTimeout"`
}

// HealthCheckConfig configures background health probing for a service.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Interval           Duration `yaml:"interval"`
	Timeout            Duration `yaml:"timeout"`
	Path               string   `yaml:"path"`
	HealthyThreshold   int      `yaml:"healthyThreshold"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold"`
	HeartbeatTTL       Duration `yaml:"heartbeatTTL"`

	// UseGRPC switches the probe to the standard gRPC health protocol.
	UseGRPC     bool   `yaml:"useGRPC"`
	GRPCService string `yaml:"grpcService"`
}

// RateLimitConfig configures optional outbound rate limiting.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Type       string   `yaml:"type"`
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"maxEntries"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"keyPrefix"`
	Timeout   Duration `yaml:"timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel     string  `yaml:"logLevel"`
	LogFormat    string  `yaml:"logFormat"`
	Tracing      bool    `yaml:"tracing"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Load reads YAML configuration from a file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read reads YAML configuration from a reader.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Validate()
	return &cfg, nil
}

// Validate normalizes missing or out-of-range values to defaults.
func (c *Config) Validate() {
	for name, svc := range c.Services {
		svc.Validate()
		c.Services[name] = svc
	}
	c.Cache.Validate()
}

// Validate normalizes a service configuration in place.
func (s *ServiceConfig) Validate() {
	if s.Protocol == "" {
		s.Protocol = DefaultProtocol
	}
	if s.Timeout <= 0 {
		s.Timeout = Duration(DefaultRequestTimeout)
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = Duration(DefaultRetryDelay)
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = DefaultRetryBackoff
	}
	s.CircuitBreaker.Validate()
	s.HealthCheck.Validate()
}

// Validate normalizes circuit breaker values.
func (c *CircuitBreakerConfig) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = Duration(DefaultOpenTimeout)
	}
}

// Validate normalizes health check values.
func (h *HealthCheckConfig) Validate() {
	if h.Interval <= 0 {
		h.Interval = Duration(DefaultProbeInterval)
	}
	if h.Timeout <= 0 {
		h.Timeout = Duration(DefaultProbeTimeout)
	}
	if h.Path == "" {
		h.Path = DefaultProbePath
	}
	if h.HealthyThreshold < 1 {
		h.HealthyThreshold = DefaultSuccessThreshold
	}
	if h.UnhealthyThreshold < 1 {
		h.UnhealthyThreshold = 3
	}
	if h.HeartbeatTTL <= 0 {
		h.HeartbeatTTL = Duration(DefaultHeartbeatTTL)
	}
}

// Validate normalizes cache values.
func (c *CacheConfig) Validate() {
	if c.Type == "" {
		c.Type = CacheTypeMemory
	}
	if c.TTL <= 0 {
		c.TTL = Duration(DefaultCacheTTL)
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultCacheMaxEntries
	}
}
