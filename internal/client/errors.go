package client

import "fmt"

// CircuitOpenError is returned when the breaker fast-fails a call without
// attempting the upstream. It is never counted as a new upstream failure.
type CircuitOpenError struct {
	Scope string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, request rejected", e.Scope)
}

// RateLimitError is returned on a 429 response. RetryAfter carries the
// Retry-After header value in seconds, or 0 if the header was absent.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by upstream, retry after %ds", e.RetryAfter)
	}
	return "rate limited by upstream"
}

// ConnectionError wraps a transport-level failure (refused, reset, DNS).
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError wraps a request that exceeded its deadline.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("request timed out: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// DecodeError wraps a response body that was not valid JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("failed to decode response: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// GenericAPIError is returned for any non-2xx status that has no more
// specific classification.
type GenericAPIError struct {
	StatusCode int
	Body       string
}

func (e *GenericAPIError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
