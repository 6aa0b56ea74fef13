package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized marks a 401 from the backend. The stored token has
	// already been invalidated when it is returned.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotSignedIn is returned before any network call when no token is
	// available.
	ErrNotSignedIn = errors.New("not signed in")
)

// Error describes a failed backend call: a network failure, a non-2xx
// status or an envelope whose status is not OK.
type Error struct {
	Op         string // e.g. "POST /message/{id}"
	StatusCode int    // 0 for network failures
	Status     string // envelope status, if any
	Message    string // backend-provided message, if any
	Err        error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
}

// Unwrap exposes the cause so errors.Is(err, ErrUnauthorized) works.
func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying later may succeed.
func (e *Error) Temporary() bool {
	return (e.StatusCode == 0 && !errors.Is(e.Err, ErrNotSignedIn)) || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
