package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

// Prometheus metrics for pacing and remote error handling.
var (
	pacedRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_ratelimit_paced_requests_total",
		Help: "Total number of requests released by the pacer",
	})

	pacingWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_ratelimit_pacing_wait_seconds_total",
		Help: "Total time spent waiting between requests",
	})

	remoteErrorsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_ratelimit_remote_errors_total",
		Help: "Remote errors handled by the rate limiter, by class",
	}, []string{"class"})

	rateLimitSleepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "puller_ratelimit_sleep_seconds",
		Help:    "Sleep durations after rate limit signals",
		Buckets: []float64{300, 600, 900, 1800, 2700, 3600},
	})
)

// Config holds the retry policy.
type Config struct {
	// BaseDelay is the minimum spacing between requests and the first backoff step.
	BaseDelay time.Duration

	// MaxRetries bounds HandleRetry.
	MaxRetries int

	// BackoffMultiplier is the exponential growth factor of backoff delays.
	BackoffMultiplier float64
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         2 * time.Second,
		MaxRetries:        5,
		BackoffMultiplier: 2.0,
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock sets the clock used for pacing and rate limit computations.
func WithClock(clock quartz.Clock) Option {
	return func(l *RateLimiter) {
		l.clock = clock
	}
}

// WithSleeper replaces the default timer based sleep.
func WithSleeper(sleep SleepFunc) Option {
	return func(l *RateLimiter) {
		l.sleep = sleep
	}
}

// RateLimiter paces requests and handles remote failures.
// It is safe for concurrent use.
type RateLimiter struct {
	config Config
	clock  quartz.Clock
	sleep  SleepFunc
	pacer  *rate.Limiter
	logger zerolog.Logger
	mu     sync.Mutex
	state  State
}

// New creates a rate limiter. Zero config fields fall back to DefaultConfig.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *RateLimiter {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}

	l := &RateLimiter{
		config: cfg,
		clock:  quartz.NewReal(),
		pacer:  rate.NewLimiter(rate.Every(cfg.BaseDelay), 1),
		logger: logging.Component(logger, "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sleep == nil {
		l.sleep = l.timerSleep
	}
	return l
}

// Config returns the effective configuration.
func (l *RateLimiter) Config() Config {
	return l.config
}

// State returns a snapshot of the limiter state.
func (l *RateLimiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// WaitBeforeRequest blocks until at least BaseDelay has passed since the
// previous paced request, then records the release time.
func (l *RateLimiter) WaitBeforeRequest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now("ratelimit", "pace")
	reservation := l.pacer.ReserveN(now, 1)
	if !reservation.OK() {
		return ctx.Err()
	}

	if delay := reservation.DelayFrom(now); delay > 0 {
		l.mu.Lock()
		since := l.state.SinceLastRequest(now)
		l.mu.Unlock()

		l.logger.Debug().
			Dur("wait", delay).
			Dur("since_last_request", since).
			Msg("Pacing request")

		if err := l.sleep(ctx, delay); err != nil {
			reservation.CancelAt(now)
			return err
		}
		pacingWaitSeconds.Add(delay.Seconds())
	}

	l.mu.Lock()
	l.state.LastRequestTime = l.clock.Now("ratelimit", "pace")
	l.mu.Unlock()

	pacedRequestsTotal.Inc()
	return nil
}

// BackoffDelay returns BaseDelay × BackoffMultiplier^attempt.
func (l *RateLimiter) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := math.Pow(l.config.BackoffMultiplier, float64(attempt))
	return time.Duration(float64(l.config.BaseDelay) * factor)
}

// HandleRetry sleeps for the backoff delay of attempt and reports whether the
// caller should retry. It returns false without sleeping once attempt reaches
// MaxRetries.
func (l *RateLimiter) HandleRetry(ctx context.Context, attempt int) (bool, error) {
	if attempt >= l.config.MaxRetries {
		l.logger.Warn().
			Int("attempt", attempt).
			Int("max_retries", l.config.MaxRetries).
			Msg("Max retries reached")
		return false, nil
	}

	delay := l.BackoffDelay(attempt)
	l.logger.Info().
		Int("attempt", attempt+1).
		Dur("wait", delay).
		Msg("Backing off before retry")

	if err := l.sleep(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}

// HandleRemoteError decides how to react to a remote failure.
//
// Rate limit signals sleep until the window resets and return (true, nil).
// Authorization failures return (false, nil): retrying cannot help.
// Any other error is returned unchanged with false.
func (l *RateLimiter) HandleRemoteError(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return true, nil
	}

	switch {
	case remote.IsRateLimited(err):
		remoteErrorsHandled.WithLabelValues("rate_limited").Inc()

		now := l.clock.Now("ratelimit", "reset")
		reset, announced := remote.ResetTime(err)
		wait := RateLimitWait(reset, now)

		l.mu.Lock()
		l.state.RateLimitHits++
		hits := l.state.RateLimitHits
		l.mu.Unlock()

		event := l.logger.Warn().
			Dur("wait", wait).
			Int("rate_limit_hits", hits).
			Bool("reset_announced", announced)
		if announced {
			event = event.Time("reset_at", reset)
		}
		event.Msg("Rate limited by remote, sleeping")

		rateLimitSleepSeconds.Observe(wait.Seconds())
		if serr := l.sleep(ctx, wait); serr != nil {
			return false, serr
		}
		return true, nil

	case remote.IsAuth(err):
		remoteErrorsHandled.WithLabelValues(string(remote.KindOf(err))).Inc()
		l.logger.Error().
			Err(err).
			Msg("Authorization failure, not retrying")
		return false, nil

	default:
		class := string(remote.KindOf(err))
		if class == "" {
			class = "other"
		}
		remoteErrorsHandled.WithLabelValues(class).Inc()
		return false, err
	}
}

// timerSleep blocks on a clock timer so mocked clocks control it.
func (l *RateLimiter) timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := l.clock.NewTimer(d, "ratelimit", "sleep")
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
