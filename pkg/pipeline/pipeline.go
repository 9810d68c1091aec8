// Package pipeline wires the extractor, the batch writer and the checkpoint
// manager into a single extraction run.
//
// A run resolves the subject, streams its records newer than the lookback
// window into a parquet file and keeps a checkpoint next to the output while
// it works. The checkpoint is removed once the run covered everything it was
// asked for and kept otherwise.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Sternrassler/tweet-puller/pkg/checkpoint"
	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/pagination"
	"github.com/Sternrassler/tweet-puller/pkg/ratelimit"
	"github.com/Sternrassler/tweet-puller/pkg/remote"
	"github.com/Sternrassler/tweet-puller/pkg/writer"
)

// ErrInvalidInput is returned when run options are rejected before any
// remote call is made.
var ErrInvalidInput = errors.New("invalid input")

// progressEvery is the number of accepted records between progress logs.
const progressEvery = 500

var validate = validator.New()

// Options configures a run.
type Options struct {
	// Subject is the screen name to extract, with or without a leading "@".
	Subject string `validate:"required"`

	// Output is the parquet file to write.
	Output string `validate:"required,endswith=.parquet"`

	// Duration is the lookback window, e.g. "30 days".
	Duration string `validate:"required"`

	// Resume reports progress against an existing checkpoint.
	Resume bool

	// Remote serves the subject's collection.
	Remote remote.Remote `validate:"required"`

	// Limiter paces remote calls. When nil a RateLimiter is built from RateLimit.
	Limiter pagination.Limiter

	// RateLimit configures the default limiter.
	RateLimit ratelimit.Config

	// Writer configures batching and checkpoint cadence.
	Writer writer.Config

	// Fs holds the output file. Defaults to the OS filesystem.
	Fs afero.Fs

	// Store holds checkpoints. Defaults to a FileStore on Fs.
	Store checkpoint.Store

	// Probe reports process memory. Defaults to the current process RSS.
	Probe writer.MemoryProbe

	// Clock is used for the cutoff and checkpoint timestamps.
	Clock quartz.Clock

	Logger zerolog.Logger
}

// Result summarizes a run.
type Result struct {
	RunID      string
	Subject    remote.Subject
	Output     string
	Cutoff     time.Time
	Pages      int
	Accepted   int
	Written    int
	Dropped    int
	Duplicates int
	StopReason pagination.StopReason

	// Complete is true when the stream was exhausted or reached the cutoff.
	Complete bool
}

// check validates the options and returns the parsed lookback window.
func (o Options) check() (time.Duration, error) {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return 0, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
		}
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if strings.TrimLeft(strings.TrimSpace(o.Subject), "@") == "" {
		return 0, fmt.Errorf("%w: subject is empty", ErrInvalidInput)
	}

	window, err := pagination.ParseDuration(o.Duration)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return window, nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "endswith":
		return fmt.Sprintf("%s must end with %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func (o Options) withDefaults() Options {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Store == nil {
		o.Store = checkpoint.NewFileStore(o.Fs)
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.RateLimit == (ratelimit.Config{}) {
		o.RateLimit = ratelimit.DefaultConfig()
	}
	return o
}

// Run extracts the subject's records into the output file.
//
// A truncated stream is not an error: Run returns a Result with Complete
// false and keeps the checkpoint. Extraction and write failures are returned
// after the records accepted so far have been flushed and the output
// finalized.
func Run(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	result := Result{RunID: uuid.NewString(), Output: opts.Output}
	logger := logging.ForRun(opts.Logger, result.RunID)

	window, err := opts.check()
	if err != nil {
		return result, err
	}

	ckpt := checkpoint.NewManager(opts.Store, opts.Output, logger, checkpoint.WithClock(opts.Clock))
	previous, found := ckpt.Load(ctx)
	switch {
	case found && opts.Resume:
		logger.Info().
			Int("count", previous.Count).
			Str("last_record_id", previous.LastRecordID).
			Msg("Resuming from previous extraction")
	case found:
		logger.Info().
			Int("count", previous.Count).
			Str("checkpoint", checkpoint.Path(opts.Output)).
			Msg("Found previous checkpoint. Use --resume to continue or delete it to start fresh")
		previous = nil
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(opts.RateLimit, logger, ratelimit.WithClock(opts.Clock))
	}
	extractor := pagination.NewExtractor(opts.Remote, limiter, logger)

	subject, err := extractor.ResolveSubject(ctx, opts.Subject)
	if err != nil {
		return result, fmt.Errorf("resolve subject: %w", err)
	}
	result.Subject = subject
	result.Cutoff = pagination.Cutoff(opts.Clock.Now("pipeline", "cutoff"), window)
	logger = logger.With().Str(logging.FieldSubject, subject.ScreenName).Logger()

	probe := opts.Probe
	if probe == nil {
		if p, perr := writer.NewProcessMemory(); perr != nil {
			logger.Warn().Err(perr).Msg("Memory monitoring unavailable")
		} else {
			probe = p
		}
	}

	sink := writer.NewParquetSink(opts.Fs, opts.Output, logger)
	w := writer.New(opts.Writer, sink, probe, logger, writer.WithCheckpointer(ckpt))

	logger.Info().
		Str("output", opts.Output).
		Str("window", opts.Duration).
		Time("cutoff", result.Cutoff).
		Msg("Starting extraction run")

	stream := extractor.Extract(ctx, subject, result.Cutoff)
	runErr := drain(ctx, stream, w, previous, logger)

	if cerr := w.Close(); cerr != nil {
		if runErr == nil {
			runErr = fmt.Errorf("finalize output: %w", cerr)
		} else {
			logger.Error().Err(cerr).Msg("Failed to finalize output")
		}
	}

	stats := w.Stats()
	result.Pages = stream.Pages()
	result.Accepted = stats.Accepted
	result.Written = stats.Written
	result.Dropped = stats.Dropped
	result.Duplicates = stats.Duplicates
	result.StopReason = stream.StopReason()
	result.Complete = runErr == nil && result.StopReason.Complete()

	if runErr != nil {
		logger.Error().
			Err(runErr).
			Int("written", result.Written).
			Msg("Extraction run failed, checkpoint retained")
		return result, runErr
	}

	if result.Complete {
		ckpt.Cleanup(ctx)
	} else {
		logger.Warn().
			Str("reason", string(result.StopReason)).
			Int("written", result.Written).
			Msg("Extraction ended early, checkpoint retained")
	}

	logger.Info().
		Str("reason", string(result.StopReason)).
		Int("pages", result.Pages).
		Int("written", result.Written).
		Int("dropped", result.Dropped).
		Int("duplicates", result.Duplicates).
		Bool("complete", result.Complete).
		Msg("Extraction run finished")
	return result, nil
}

// drain moves records from the stream into the writer and flushes what is
// left once the stream ends. Records the stream already buffered are still
// accepted after ctx is done; the writer completes its flushes regardless,
// so a cancelled run keeps everything it fetched.
func drain(ctx context.Context, stream *pagination.Stream, w *writer.Writer, previous *checkpoint.Checkpoint, logger zerolog.Logger) error {
	passed := false
	for stream.Next(ctx) {
		rec := stream.Record()

		if previous != nil && !passed && rec.ID() == previous.LastRecordID {
			passed = true
			logger.Info().
				Str("last_record_id", previous.LastRecordID).
				Int("previous_count", previous.Count).
				Msg("Passed previous checkpoint")
		}

		if err := w.Accept(ctx, rec); err != nil {
			return fmt.Errorf("accept record: %w", err)
		}

		if n := stream.Emitted(); n%progressEvery == 0 {
			logger.Info().
				Int("records", n).
				Int("pages", stream.Pages()).
				Msg("Extraction progress")
		}
	}

	flushErr := w.Flush(ctx)
	if flushErr != nil {
		flushErr = fmt.Errorf("final flush: %w", flushErr)
	}

	if err := stream.Err(); err != nil {
		if flushErr != nil {
			logger.Error().Err(flushErr).Msg("Final flush failed")
		}
		return fmt.Errorf("extract: %w", err)
	}
	return flushErr
}
