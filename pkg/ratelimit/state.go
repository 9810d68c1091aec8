// Package ratelimit paces requests to the remote API and decides how the
// pipeline reacts to remote failures: exponential backoff for transient
// errors, long sleeps for explicit rate limit signals, and no retry at all
// for authorization failures.
package ratelimit

import (
	"time"
)

// Rate limit sleep bounds.
const (
	// ResetMargin is added to the announced reset time before resuming.
	ResetMargin = 60 * time.Second

	// MinRateLimitWait is the shortest sleep after a rate limit signal.
	MinRateLimitWait = 300 * time.Second

	// MaxRateLimitWait is the longest sleep after a rate limit signal.
	// Announced resets at or beyond this horizon are not trusted.
	MaxRateLimitWait = 3600 * time.Second

	// FallbackRateLimitWait is used when the reset time is absent or not trusted.
	FallbackRateLimitWait = 900 * time.Second
)

// State is the limiter's process-lifetime state.
type State struct {
	// LastRequestTime is when the last paced request was released.
	// Zero until the first request.
	LastRequestTime time.Time `json:"last_request_time"`

	// RateLimitHits counts rate limit signals handled so far.
	RateLimitHits int `json:"rate_limit_hits"`
}

// SinceLastRequest returns the time elapsed since the last paced request, or
// 0 when there was none.
func (s State) SinceLastRequest(now time.Time) time.Duration {
	if s.LastRequestTime.IsZero() {
		return 0
	}
	return now.Sub(s.LastRequestTime)
}

// RateLimitWait computes how long to sleep after a rate limit signal that
// announced reset. A zero reset means the remote did not announce one.
func RateLimitWait(reset, now time.Time) time.Duration {
	if reset.IsZero() {
		return FallbackRateLimitWait
	}

	until := reset.Sub(now)
	if until <= 0 || until >= MaxRateLimitWait {
		return FallbackRateLimitWait
	}

	wait := until + ResetMargin
	if wait < MinRateLimitWait {
		return MinRateLimitWait
	}
	if wait > MaxRateLimitWait {
		return MaxRateLimitWait
	}
	return wait
}
