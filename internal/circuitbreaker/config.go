// Package circuitbreaker implements a per-endpoint circuit breaker for
// outbound service calls. It prevents hammering a failing endpoint by
// failing fast for a cooldown period and probing recovery with a single
// trial request.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker. A Config is
// immutable once a breaker has been constructed from it.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe
	// successes needed to close the circuit again.
	SuccessThreshold int

	// OpenTimeout is the duration the circuit stays open before the
	// next call attempt is allowed through as a half-open probe.
	OpenTimeout time.Duration

	// OnStateChange is called after every state transition.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Validate normalizes out-of-range values to defaults.
func (c *Config) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout < time.Millisecond {
		c.OpenTimeout = 60 * time.Second
	}
}
