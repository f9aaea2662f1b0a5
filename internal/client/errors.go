// Package client orchestrates resilient calls to registered services,
// composing instance resolution, circuit breaking, retries and
// response caching around a plain HTTP transport.
package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/avsvclient/internal/circuitbreaker"
	"github.com/vyrodovalexey/avsvclient/internal/retry"
)

// TransportError reports a connection-level failure. It is retried and
// counted against the circuit breaker.
type TransportError struct {
	Service  string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s %s: %v", e.Service, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a call that exceeded its deadline. Treated as a
// transport failure for retry and breaker accounting.
type TimeoutError struct {
	Service  string
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout calling %s %s: %v", e.Service, e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// CircuitOpenError is the fail-fast signal raised while a breaker is
// open. It is never retried and never re-trips the breaker.
type CircuitOpenError struct {
	Service  string
	Endpoint string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s %s", e.Service, e.Endpoint)
}

func (e *CircuitOpenError) Unwrap() error { return circuitbreaker.ErrCircuitOpen }

// ValidationError reports a request or response that violated its
// declared schema. A contract bug, not an availability signal: never
// retried and never recorded on the breaker.
type ValidationError struct {
	Service string
	Detail  string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Service, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx HTTP response. 4xx responses surface
// immediately without retry or breaker trip; 5xx are treated like
// transport failures.
type StatusError struct {
	Service  string
	Endpoint string
	Status   int
	Body     []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Service, e.Endpoint, e.Status)
}

// IsServerError reports whether the status is in the 5xx range.
func (e *StatusError) IsServerError() bool {
	return e.Status >= http.StatusInternalServerError
}

// countsAsFailure reports whether an error should increment the
// breaker's failure counter.
func countsAsFailure(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsServerError()
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	return true
}

// transient classifies causes below the typed-error layer: network
// failures, timeouts, and retryable gRPC statuses from a gRPC-backed
// transport.
var transient = retry.TransientCondition()

// isRetryable reports whether an error is transient enough for another
// attempt. Breaker-open and contract errors never are; 5xx responses
// and timeouts are; transport errors are judged by their cause.
func isRetryable(err error) bool {
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsServerError()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	return transient.ShouldRetry(err)
}
