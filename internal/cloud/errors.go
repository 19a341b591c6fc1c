package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for programmatic handling.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrNoSession      = errors.New("no session")
	ErrBadRequest     = errors.New("bad request")
)

// OpError wraps errors with operation context.
type OpError struct {
	Op         string // "pull", "push", "subscribe", "auth"
	Collection string // empty for auth
	Err        error
}

func (e *OpError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("cloud %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cloud %s %s failed: %v", e.Op, e.Collection, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// statusError maps an HTTP status to a sentinel error.
func statusError(status int, detail string) error {
	var base error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base = ErrUnauthorized
	case status >= 500:
		base = ErrServerError
	case status >= 400:
		base = ErrBadRequest
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
