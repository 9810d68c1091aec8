package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimitWait(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		reset    time.Time
		expected time.Duration
	}{
		{
			name:     "no reset announced",
			reset:    time.Time{},
			expected: FallbackRateLimitWait,
		},
		{
			name:     "reset in two minutes clamps to minimum",
			reset:    now.Add(120 * time.Second),
			expected: 300 * time.Second,
		},
		{
			name:     "reset in ten minutes adds margin",
			reset:    now.Add(10 * time.Minute),
			expected: 11 * time.Minute,
		},
		{
			name:     "reset just under the horizon clamps to maximum",
			reset:    now.Add(3590 * time.Second),
			expected: MaxRateLimitWait,
		},
		{
			name:     "reset at the horizon falls back",
			reset:    now.Add(3600 * time.Second),
			expected: FallbackRateLimitWait,
		},
		{
			name:     "reset far in the future falls back",
			reset:    now.Add(24 * time.Hour),
			expected: FallbackRateLimitWait,
		},
		{
			name:     "reset equal to now falls back",
			reset:    now,
			expected: FallbackRateLimitWait,
		},
		{
			name:     "reset in the past falls back",
			reset:    now.Add(-time.Minute),
			expected: FallbackRateLimitWait,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RateLimitWait(tt.reset, now); got != tt.expected {
				t.Errorf("RateLimitWait() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_SinceLastRequest(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var s State
	if got := s.SinceLastRequest(now); got != 0 {
		t.Errorf("SinceLastRequest() on zero state = %v, want 0", got)
	}

	s.LastRequestTime = now.Add(-3 * time.Second)
	if got := s.SinceLastRequest(now); got != 3*time.Second {
		t.Errorf("SinceLastRequest() = %v, want 3s", got)
	}
}
