package client

import (
	"encoding/json"
	"errors"
)

// Result is the uniform value returned from every service call.
type Result struct {
	// Success is true when the call completed with a 2xx response.
	Success bool

	// Data is the raw response body on success.
	Data []byte

	// Err is the terminal error on failure.
	Err error

	// StatusCode is the HTTP status of the final attempt, 0 when no
	// response was received.
	StatusCode int

	// ServiceName is the logical service that was called.
	ServiceName string

	// Endpoint is "METHOD path" of the call.
	Endpoint string

	// FromCache is true when the result was served from the response
	// cache without a network attempt.
	FromCache bool
}

// Unwrap returns the response body, or the call's error when the call
// failed.
func (r Result) Unwrap() ([]byte, error) {
	if !r.Success {
		if r.Err != nil {
			return nil, r.Err
		}
		return nil, errors.New("call failed")
	}
	return r.Data, nil
}

// DecodeJSON unmarshals the response body into v. Fails with the
// call's error when the call was unsuccessful.
func (r Result) DecodeJSON(v any) error {
	data, err := r.Unwrap()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func successResult(service, endpoint string, status int, data []byte, fromCache bool) Result {
	return Result{
		Success:     true,
		Data:        data,
		StatusCode:  status,
		ServiceName: service,
		Endpoint:    endpoint,
		FromCache:   fromCache,
	}
}

func failureResult(service, endpoint string, status int, err error) Result {
	return Result{
		Err:         err,
		StatusCode:  status,
		ServiceName: service,
		Endpoint:    endpoint,
	}
}
