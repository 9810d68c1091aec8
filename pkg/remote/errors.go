package remote

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the HTTP client.
var (
	// ErrRetryExhausted is returned when all transport retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// KindUnauthorized represents revoked or missing credentials (401).
	KindUnauthorized ErrorKind = "unauthorized"

	// KindForbidden represents an account the credentials may not read (403).
	KindForbidden ErrorKind = "forbidden"

	// KindRateLimited represents an explicit rate limit signal (429).
	KindRateLimited ErrorKind = "rate_limited"

	// KindNotFound represents an unknown subject or resource (404).
	KindNotFound ErrorKind = "not_found"

	// KindServer represents 5xx server errors.
	KindServer ErrorKind = "server"

	// KindNetwork represents network/timeout errors.
	KindNetwork ErrorKind = "network"

	// KindClient represents other 4xx errors.
	KindClient ErrorKind = "client"
)

// Error is a classified remote error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	// ResetAt is when a rate limit window ends. Zero when the remote did not say.
	ResetAt time.Time
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s error (status %d): %s: %v",
			e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("remote %s error (status %d): %s",
		e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not a remote error.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRateLimited reports whether err signals a rate limit.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsAuth reports whether err is an unauthorized or forbidden error.
func IsAuth(err error) bool {
	k := KindOf(err)
	return k == KindUnauthorized || k == KindForbidden
}

// ResetTime returns the rate limit reset time carried by err, if any.
func ResetTime(err error) (time.Time, bool) {
	var re *Error
	if errors.As(err, &re) && !re.ResetAt.IsZero() {
		return re.ResetAt, true
	}
	return time.Time{}, false
}

// retryable determines if a failure should be retried at the transport level.
func retryable(kind ErrorKind) bool {
	switch kind {
	case KindServer, KindNetwork:
		return true
	default:
		// Rate limits and auth failures are handled by the caller's rate limiter.
		return false
	}
}
