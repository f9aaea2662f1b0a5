package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/avsvclient/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests fail fast.
	StateOpen

	// StateHalfOpen indicates the breaker is probing for recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow when the breaker rejects a call.
// Callers must not record it back as a failure: it is a symptom of an
// already-open circuit, not a new one.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is a three-state circuit breaker for one (service, endpoint)
// pair. The Open to HalfOpen transition is lazy: it happens on the
// next Allow call after OpenTimeout has elapsed, not on a timer.
//
// While half-open, exactly one probe is admitted at a time; concurrent
// callers arriving during an in-flight probe fail fast with
// ErrCircuitOpen rather than waiting, so a struggling endpoint is
// never hit by a probe herd.
type Breaker struct {
	key    string
	config *Config
	logger observability.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	probeInFlight        bool
	openedAt             time.Time
}

// New creates a circuit breaker for the given key.
func New(key string, config *Config, logger observability.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Breaker{
		key:    key,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. It returns nil when the
// call is admitted and ErrCircuitOpen when it must fail fast. An
// admitted call must be followed by exactly one RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		recordAdmission(b.key, true)
		return nil

	case StateOpen:
		if time.Since(b.openedAt) < b.config.OpenTimeout {
			recordAdmission(b.key, false)
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		recordAdmission(b.key, true)
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			recordAdmission(b.key, false)
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		recordAdmission(b.key, true)
		return nil

	default:
		recordAdmission(b.key, false)
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordOutcome(b.key, true)

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure records a failed call. Only failures the caller has
// classified as availability signals (transport errors, timeouts, 5xx)
// belong here; client errors and validation failures must not be
// recorded.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordOutcome(b.key, false)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.probeInFlight = false
		b.transitionTo(StateOpen)
	}
}

// transitionTo moves the breaker to a new state. Caller holds b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState

	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	if newState == StateOpen {
		b.openedAt = time.Now()
	}

	recordStateChange(b.key, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("key", b.key),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.key, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Key returns the breaker key.
func (b *Breaker) Key() string {
	return b.key
}

// Reset forces the breaker back to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
}

// Stats holds a point-in-time snapshot of breaker counters.
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// Stats returns the current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}
