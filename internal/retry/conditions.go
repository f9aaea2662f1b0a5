package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Condition decides whether an error warrants another attempt.
type Condition interface {
	ShouldRetry(err error) bool
}

// ConditionFunc adapts a plain function to a Condition.
type ConditionFunc func(err error) bool

// ShouldRetry implements Condition.
func (f ConditionFunc) ShouldRetry(err error) bool {
	return f(err)
}

// NetworkErrorCondition retries on network errors.
type NetworkErrorCondition struct{}

// RetryOnNetworkErrors creates a condition that retries on network errors.
func RetryOnNetworkErrors() *NetworkErrorCondition {
	return &NetworkErrorCondition{}
}

// ShouldRetry implements Condition.
func (c *NetworkErrorCondition) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// GRPCStatusCondition retries on specific gRPC status codes.
type GRPCStatusCondition struct {
	codes map[codes.Code]bool
}

// RetryOnGRPCCodes creates a condition that retries on specific gRPC
// status codes.
func RetryOnGRPCCodes(grpcCodes ...codes.Code) *GRPCStatusCondition {
	codeMap := make(map[codes.Code]bool)
	for _, code := range grpcCodes {
		codeMap[code] = true
	}
	return &GRPCStatusCondition{codes: codeMap}
}

// RetryableGRPCCodes returns common retryable gRPC status codes.
func RetryableGRPCCodes() *GRPCStatusCondition {
	return RetryOnGRPCCodes(
		codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
	)
}

// ShouldRetry implements Condition.
func (c *GRPCStatusCondition) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return c.codes[st.Code()]
}

// ErrorTypeCondition retries on specific sentinel errors.
type ErrorTypeCondition struct {
	errors []error
}

// RetryOnErrors creates a condition that retries on specific errors.
func RetryOnErrors(errs ...error) *ErrorTypeCondition {
	return &ErrorTypeCondition{errors: errs}
}

// ShouldRetry implements Condition.
func (c *ErrorTypeCondition) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range c.errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CompositeCondition combines multiple conditions with OR logic.
type CompositeCondition struct {
	conditions []Condition
}

// RetryOnAny creates a condition that retries if any condition matches.
func RetryOnAny(conditions ...Condition) *CompositeCondition {
	return &CompositeCondition{conditions: conditions}
}

// ShouldRetry implements Condition.
func (c *CompositeCondition) ShouldRetry(err error) bool {
	for _, condition := range c.conditions {
		if condition.ShouldRetry(err) {
			return true
		}
	}
	return false
}

// NeverRetryCondition never retries.
type NeverRetryCondition struct{}

// NeverRetry creates a condition that never retries.
func NeverRetry() *NeverRetryCondition {
	return &NeverRetryCondition{}
}

// ShouldRetry implements Condition.
func (c *NeverRetryCondition) ShouldRetry(err error) bool {
	return false
}

// TransientCondition matches the errors worth a second attempt: network
// failures, timeouts, and retryable gRPC statuses.
func TransientCondition() Condition {
	return RetryOnAny(
		RetryOnNetworkErrors(),
		RetryableGRPCCodes(),
	)
}
