package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError lets an error decide for itself whether it is worth
// retrying, overriding the transport heuristics in IsRecoverable.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a failed call may be retried. Errors that
// implement RecoverableError are authoritative; everything else falls back
// to heuristics for transient transport failures.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsRecoverable(urlErr.Err)
	}
	// Transient conditions the notification backends report as plain
	// string errors.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit",
		"rate_limited",
		"connection refused",
		"connection reset",
		"service unavailable",
		"timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }

func (e *recoverableError) IsRecoverable() bool { return true }

func (e *recoverableError) Unwrap() error { return e.err }

// NewRecoverableError marks an error as retryable.
func NewRecoverableError(err error) *recoverableError {
	return &recoverableError{err: err}
}

// NonRecoverableError marks an error that must not be retried even when the
// heuristics would allow it.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string { return e.err.Error() }

func (e *NonRecoverableError) IsRecoverable() bool { return false }

func (e *NonRecoverableError) Unwrap() error { return e.err }

// NewNonRecoverableError marks an error as final.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
