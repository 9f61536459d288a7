package connector

import "errors"

// Connector errors. Callers classify failures with errors.Is.
var (
	// ErrTransient marks failures worth retrying: timeouts, connection errors, 429 and 5xx
	ErrTransient = errors.New("connector: transient failure")
	// ErrUnauthorized is returned when a request is still rejected after re-authenticating
	ErrUnauthorized = errors.New("connector: unauthorized")
	// ErrRequestFailed marks a non-retryable rejection (4xx other than 401, 404 and 429)
	ErrRequestFailed = errors.New("connector: request failed")
	// ErrNotFound is returned for 404 responses
	ErrNotFound = errors.New("connector: entity not found")
	// ErrMalformedResponse is returned when a response body cannot be decoded
	ErrMalformedResponse = errors.New("connector: malformed response")
	// ErrUntransformable is returned when a record cannot be expressed in the target shape
	ErrUntransformable = errors.New("connector: record cannot be transformed")
)

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
