package channel

import (
	"errors"
	"fmt"
	"time"
)

// Static errors for channel configuration and execution failures.
var (
	// ErrNoAuthenticationProvider indicates a request that requires
	// authentication was executed on a channel with no provider configured.
	ErrNoAuthenticationProvider = errors.New(
		"the request requires authentication and no authentication provider is configured",
	)
	// errNoHostName indicates a channel was created without a server name.
	errNoHostName = errors.New("a server name is required to create a channel")
	// errNegativePort indicates a channel was created with a negative port.
	errNegativePort = errors.New("the port must be zero or a positive number")
)

// HTTPError is the raw transport error for a response outside the 2xx range,
// before the channel classifies it. Authentication providers performing their
// own transfers receive these directly.
type HTTPError struct {
	StatusCode int           // HTTP status code of the response.
	Status     string        // Status line as reported by the server.
	URI        string        // Fully qualified URL of the failed request.
	RetryAfter time.Duration // Parsed Retry-After delay, zero when absent.
}

// Error returns the status line and URL of the failed request.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %s for %s", e.Status, e.URI)
}

// Error is the generic classification for a channel request that failed for a
// reason not covered by a more specific error type. It carries the URL of the
// offending request, as do all of the channel's classified errors.
type Error struct {
	URI string // Fully qualified URL of the failed request.
	Err error  // Underlying transport or protocol error.
}

// Error returns a description including the failed request's URL.
func (e *Error) Error() string {
	return fmt.Sprintf("channel request to %s failed: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// AuthorizationError indicates the server rejected the channel's credentials.
// It is surfaced after at most one automatic re-authentication attempt.
type AuthorizationError struct {
	URI string
	Err error
}

// Error returns a description including the failed request's URL.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("server rejected credentials for %s: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthorizationError) Unwrap() error { return e.Err }

// ConnectFailureError indicates the server could not be reached at all, either
// because its name did not resolve or because the connection was refused.
// Callers special-case this to distinguish "server unreachable" from a server
// that is up but misbehaving.
type ConnectFailureError struct {
	URI string
	Err error
}

// Error returns a description including the failed request's URL.
func (e *ConnectFailureError) Error() string {
	return fmt.Sprintf("unable to connect to %s: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectFailureError) Unwrap() error { return e.Err }

// NotFoundError indicates the server returned 404 for the request. It is never
// retried. The hosted service also uses this as a signal for an invalid
// customer identifier.
type NotFoundError struct {
	URI string
	Err error
}

// Error returns a description including the failed request's URL.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource %s was not found on the server: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *NotFoundError) Unwrap() error { return e.Err }

// RateLimitError indicates the server is throttling the client. Callers are
// expected to wait at least RetryAfter before attempting the request again.
type RateLimitError struct {
	URI        string
	RetryAfter time.Duration // Server-requested delay before the next attempt.
	Timestamp  time.Time     // When the throttled response was received.
	Err        error
}

// Error returns a description including the server's requested delay.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("server rate limited request to %s, retry after %s", e.URI, e.RetryAfter)
}

// Unwrap returns the underlying error.
func (e *RateLimitError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation did not complete within its deadline.
type TimeoutError struct {
	URI string
	Err error
}

// Error returns a description including the failed request's URL.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s did not complete within its deadline: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// RequestTooLargeError indicates the server refused the request body as too
// large. It is terminal: retrying the same body cannot succeed.
type RequestTooLargeError struct {
	URI string
	Err error
}

// Error returns a description including the failed request's URL.
func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("server refused request to %s as too large: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestTooLargeError) Unwrap() error { return e.Err }
