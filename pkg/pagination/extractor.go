package pagination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/record"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
)

// Prometheus metrics for extraction.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_pagination_pages_fetched_total",
		Help: "Total number of pages fetched from the remote",
	})

	recordsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_pagination_records_emitted_total",
		Help: "Total number of records emitted by extraction streams",
	})

	pageRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_pagination_page_retries_total",
		Help: "Total number of page fetch retries",
	})

	streamsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_pagination_streams_ended_total",
		Help: "Extraction streams ended, by stop reason",
	}, []string{"reason"})
)

// Common errors returned by the extractor.
var (
	// ErrSubjectNotFound is returned when a subject cannot be resolved.
	ErrSubjectNotFound = errors.New("subject not found or inaccessible")

	// ErrAccessDenied is returned when the remote rejects the credentials.
	ErrAccessDenied = errors.New("access denied by remote")
)

const (
	// MaxResolveAttempts bounds subject lookups.
	MaxResolveAttempts = 3

	// MaxPageAttempts bounds fetches of a single page.
	MaxPageAttempts = 3
)

// Limiter is the part of the rate limiter the extractor depends on.
// It is satisfied by *ratelimit.RateLimiter.
type Limiter interface {
	WaitBeforeRequest(ctx context.Context) error
	HandleRemoteError(ctx context.Context, err error) (bool, error)
}

// Extractor produces records from a remote collection.
type Extractor struct {
	remote  remote.Remote
	limiter Limiter
	logger  zerolog.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(r remote.Remote, limiter Limiter, logger zerolog.Logger) *Extractor {
	return &Extractor{
		remote:  r,
		limiter: limiter,
		logger:  logging.Component(logger, "pagination"),
	}
}

// ResolveSubject looks up a subject by screen name. A leading "@" is ignored.
//
// Errors the rate limiter declines to retry, and failures on the last
// attempt, are reported as ErrSubjectNotFound. Errors from the limiter itself
// (including context cancellation) are returned as is.
func (e *Extractor) ResolveSubject(ctx context.Context, name string) (remote.Subject, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "@")
	if name == "" {
		return remote.Subject{}, fmt.Errorf("%w: empty name", ErrSubjectNotFound)
	}

	for attempt := 1; attempt <= MaxResolveAttempts; attempt++ {
		if err := e.limiter.WaitBeforeRequest(ctx); err != nil {
			return remote.Subject{}, err
		}

		subject, err := e.remote.ResolveSubject(ctx, name)
		if err == nil {
			e.logger.Info().
				Str("subject", subject.ScreenName).
				Str("subject_id", subject.ID).
				Msg("Resolved subject")
			return subject, nil
		}

		if attempt == MaxResolveAttempts {
			return remote.Subject{}, fmt.Errorf("%w: @%s after %d attempts: %w", ErrSubjectNotFound, name, attempt, err)
		}

		retry, herr := e.limiter.HandleRemoteError(ctx, err)
		if herr != nil && !errors.Is(herr, err) {
			return remote.Subject{}, herr
		}
		if !retry {
			return remote.Subject{}, fmt.Errorf("%w: @%s: %w", ErrSubjectNotFound, name, err)
		}

		e.logger.Warn().
			Err(err).
			Str("subject", name).
			Int("attempt", attempt).
			Msg("Retrying subject lookup")
	}

	return remote.Subject{}, fmt.Errorf("%w: @%s", ErrSubjectNotFound, name)
}

// Extract returns a stream over the subject's records newer than cutoff.
// A zero cutoff disables the cutoff check.
func (e *Extractor) Extract(ctx context.Context, subject remote.Subject, cutoff time.Time) *Stream {
	e.logger.Info().
		Str("subject", subject.ScreenName).
		Time("cutoff", cutoff).
		Msg("Starting extraction")

	return &Stream{
		extractor: e,
		subject:   subject,
		cutoff:    cutoff,
		logger:    e.logger.With().Str(logging.FieldSubject, subject.ScreenName).Logger(),
	}
}

// StopReason tells why a stream ended.
type StopReason string

const (
	// StopNone means the stream has not ended yet.
	StopNone StopReason = ""

	// StopExhausted means the remote reported no further pages.
	StopExhausted StopReason = "exhausted"

	// StopCutoff means a record older than the cutoff was reached.
	StopCutoff StopReason = "cutoff"

	// StopTruncated means retries for a page ran out; records may be missing.
	StopTruncated StopReason = "truncated"

	// StopFailed means the stream ended with an error.
	StopFailed StopReason = "failed"
)

// Complete reports whether the stream covered everything it was asked for.
func (r StopReason) Complete() bool {
	return r == StopExhausted || r == StopCutoff
}

// Stream is a single-pass iterator over extracted records.
type Stream struct {
	extractor *Extractor
	subject   remote.Subject
	cutoff    time.Time
	logger    zerolog.Logger

	cursor  string
	started bool
	buf     []remote.Item
	current record.Record

	pages   int
	emitted int
	reason  StopReason
	err     error
}

// Next advances to the next record. It returns false when the stream has
// ended; Err and StopReason then describe why.
func (s *Stream) Next(ctx context.Context) bool {
	for {
		if s.reason != StopNone {
			return false
		}

		if len(s.buf) > 0 {
			item := s.buf[0]
			s.buf = s.buf[1:]

			rec := MapItem(item)
			ts, ok := rec.Timestamp()
			if !ok {
				s.logger.Warn().
					Str("record_id", rec.ID()).
					Msg("Could not determine record date")
			} else if !s.cutoff.IsZero() && ts.Before(s.cutoff) {
				s.logger.Info().
					Time("record_date", ts).
					Msg("Reached cutoff date")
				s.finish(StopCutoff, nil)
				return false
			}

			s.current = rec
			s.emitted++
			recordsEmittedTotal.Inc()
			return true
		}

		if s.started && s.cursor == "" {
			s.finish(StopExhausted, nil)
			return false
		}

		s.fetch(ctx)
	}
}

// Record returns the current record. It is only valid after Next returned true.
func (s *Stream) Record() record.Record {
	return s.current
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// StopReason returns why the stream ended, or StopNone while it is running.
func (s *Stream) StopReason() StopReason {
	return s.reason
}

// Pages returns the number of pages fetched so far.
func (s *Stream) Pages() int {
	return s.pages
}

// Emitted returns the number of records emitted so far.
func (s *Stream) Emitted() int {
	return s.emitted
}

// fetch loads the next page into the buffer or ends the stream.
func (s *Stream) fetch(ctx context.Context) {
	var lastErr error

	for attempt := 1; attempt <= MaxPageAttempts; attempt++ {
		if err := s.extractor.limiter.WaitBeforeRequest(ctx); err != nil {
			s.finish(StopFailed, err)
			return
		}

		page, err := s.extractor.remote.FetchPage(ctx, s.subject, s.cursor)
		if err == nil {
			s.started = true
			s.pages++
			s.buf = page.Items
			s.cursor = page.NextCursor
			pagesFetchedTotal.Inc()

			s.logger.Debug().
				Int("page", s.pages).
				Int("items", len(page.Items)).
				Bool("has_next", page.NextCursor != "").
				Msg("Fetched page")
			return
		}
		lastErr = err

		retry, herr := s.extractor.limiter.HandleRemoteError(ctx, err)
		if herr != nil {
			s.finish(StopFailed, fmt.Errorf("fetch page %d: %w", s.pages+1, herr))
			return
		}
		if !retry {
			s.finish(StopFailed, fmt.Errorf("%w: fetch page %d: %w", ErrAccessDenied, s.pages+1, err))
			return
		}

		pageRetriesTotal.Inc()
		s.logger.Warn().
			Err(err).
			Int("page", s.pages+1).
			Int("attempt", attempt).
			Msg("Retrying page fetch")
	}

	s.logger.Error().
		Err(lastErr).
		Int("page", s.pages+1).
		Int("attempts", MaxPageAttempts).
		Int("emitted", s.emitted).
		Msg("Pagination failed after retries, ending extraction early")
	s.finish(StopTruncated, nil)
}

func (s *Stream) finish(reason StopReason, err error) {
	s.reason = reason
	s.err = err
	s.buf = nil
	s.current = nil
	streamsEndedTotal.WithLabelValues(string(reason)).Inc()

	var event *zerolog.Event
	if err != nil {
		event = s.logger.Error().Err(err)
	} else {
		event = s.logger.Info()
	}
	event.
		Str("reason", string(reason)).
		Int("pages", s.pages).
		Int("emitted", s.emitted).
		Msg("Extraction ended")
}
