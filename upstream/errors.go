package upstream

import (
	"bytes"
	"fmt"
)

// ConnectionError represents a transport-level failure reaching the
// upstream: reset, timeout, DNS. Always retryable.
type ConnectionError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream connection error: %s", e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{Message: message, Cause: cause}
}

// ExhaustedError is returned when every attempt failed without ever
// producing an HTTP response.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream unreachable after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// overloadedMarkers are provider payload fragments that indicate
// transient capacity exhaustion even under an otherwise fatal status.
var overloadedMarkers = [][]byte{
	[]byte("overloaded_error"),
	[]byte("overloaded"),
	[]byte("capacity"),
}

// retryableResult reports whether a received HTTP response should be
// retried: rate limits (429, 529), server errors (5xx), and
// provider-specific overloaded/capacity payloads.
func retryableResult(res *Result) bool {
	switch {
	case res.StatusCode == 429:
		return true
	case res.StatusCode == 529:
		return true
	case res.StatusCode >= 500:
		return true
	}
	for _, marker := range overloadedMarkers {
		if bytes.Contains(res.Body, marker) {
			return true
		}
	}
	return false
}
