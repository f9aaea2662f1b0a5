// Package retry provides exponential backoff retry functionality.
package retry

import (
	"context"
	"math"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultAttempts is the default total number of attempts.
	DefaultAttempts = 3

	// DefaultDelay is the default delay before the first retry.
	DefaultDelay = 1 * time.Second

	// DefaultBackoff is the default backoff multiplier.
	DefaultBackoff = 2.0

	// DefaultMaxDelay caps the delay between attempts.
	DefaultMaxDelay = 30 * time.Second
)

// Config contains retry configuration parameters.
type Config struct {
	// Attempts is the total number of attempts, including the first call.
	// Default is 3.
	Attempts int

	// Delay is the wait before the first retry.
	// Default is 1s.
	Delay time.Duration

	// Backoff is the multiplier applied to the delay after each retry.
	// Default is 2.0.
	Backoff float64

	// MaxDelay caps the computed delay.
	// Default is 30s.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		Attempts: DefaultAttempts,
		Delay:    DefaultDelay,
		Backoff:  DefaultBackoff,
		MaxDelay: DefaultMaxDelay,
	}
}

// GetAttempts returns the effective attempt budget.
func (c *Config) GetAttempts() int {
	if c == nil || c.Attempts <= 0 {
		return DefaultAttempts
	}
	return c.Attempts
}

// GetDelay returns the effective base delay.
func (c *Config) GetDelay() time.Duration {
	if c == nil || c.Delay <= 0 {
		return DefaultDelay
	}
	return c.Delay
}

// GetBackoff returns the effective backoff multiplier.
func (c *Config) GetBackoff() float64 {
	if c == nil || c.Backoff < 1.0 {
		return DefaultBackoff
	}
	return c.Backoff
}

// GetMaxDelay returns the effective delay cap.
func (c *Config) GetMaxDelay() time.Duration {
	if c == nil || c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// RetryableFunc is a function that can be retried. The attempt number
// starts at 1.
type RetryableFunc func(attempt int) error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry wait.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// Operation labels metrics for this retry loop.
	Operation string

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry wait.
	OnRetry OnRetryFunc
}

// Do executes a function with retry logic. The function runs at most
// cfg.Attempts times; the wait before attempt k is
// Delay * Backoff^(k-2), so the first retry waits exactly Delay.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if opts == nil {
		opts = &Options{}
	}

	attempts := cfg.GetAttempts()
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		RecordAttempt(opts.Operation, attempt)
		lastErr = fn(attempt)
		if lastErr == nil {
			RecordSuccess(opts.Operation, time.Since(start).Seconds())
			return nil
		}

		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			RecordAbort(opts.Operation)
			return lastErr
		}

		// No wait after the final attempt.
		if attempt < attempts {
			delay := DelayForAttempt(cfg, attempt+1)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	RecordExhausted(opts.Operation, time.Since(start).Seconds())
	return lastErr
}

// DelayForAttempt returns the wait preceding the given attempt number.
// Attempt 1 never waits.
func DelayForAttempt(cfg *Config, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(cfg.GetDelay()) * math.Pow(cfg.GetBackoff(), float64(attempt-2))
	if max := float64(cfg.GetMaxDelay()); delay > max {
		delay = max
	}
	return time.Duration(delay)
}
