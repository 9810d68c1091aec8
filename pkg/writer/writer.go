// Package writer turns a stream of records into bounded, schema-conformant
// batch writes. Batches are flushed when they reach the configured size or
// when the process exceeds its memory ceiling, whichever comes first.
//
// A Writer also remembers the id of every record it has written so that a
// record served twice is stored once. That set lives for the whole run and
// is not released by a flush: it costs one id string plus map overhead per
// record, well under 100 bytes. It is counted by the memory probe like any
// other allocation, so a flush under memory pressure relieves the batch but
// not the set. Runs are bounded by the lookback window, which keeps the set
// small next to the default 500 MB ceiling.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/record"
)

// Prometheus metrics for batch writing.
var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_writer_flushes_total",
		Help: "Total batch flushes by trigger reason and result",
	}, []string{"reason", "result"})

	rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puller_writer_rows_written_total",
		Help: "Total rows durably written",
	})

	recordsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_writer_records_dropped_total",
		Help: "Records dropped before writing, by reason",
	}, []string{"reason"})

	batchSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puller_writer_batch_size",
		Help: "Number of records in the current batch",
	})

	processRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puller_writer_process_rss_bytes",
		Help: "Last observed resident memory of the process",
	})
)

// Common errors returned by the writer.
var (
	// ErrTooManyWriteFailures is returned once consecutive flush failures reach the limit.
	ErrTooManyWriteFailures = errors.New("too many consecutive write failures")

	// ErrClosed is returned when writing after Close.
	ErrClosed = errors.New("writer closed")
)

// Flush trigger reasons.
const (
	ReasonSize   = "size"
	ReasonMemory = "memory"
	ReasonFinal  = "final"
)

// Config holds the writer configuration.
type Config struct {
	// BatchSize is the number of records that triggers a flush.
	BatchSize int

	// MaxMemoryMB is the resident memory ceiling that triggers an early flush.
	MaxMemoryMB int

	// CheckpointInterval is the number of written records between checkpoints.
	CheckpointInterval int

	// MaxConsecutiveFailures is the number of failed flushes in a row that
	// stops the writer.
	MaxConsecutiveFailures int
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:              50,
		MaxMemoryMB:            500,
		CheckpointInterval:     100,
		MaxConsecutiveFailures: 3,
	}
}

// Checkpointer records durable progress. Implementations must not fail the
// caller; errors are theirs to log.
type Checkpointer interface {
	Save(ctx context.Context, lastRecordID string, count int)
}

// Stats summarizes a writer's progress.
type Stats struct {
	Accepted   int
	Written    int
	Dropped    int
	Duplicates int
	Flushes    int
	Failures   int
	LastID     string
}

// Option configures a Writer.
type Option func(*Writer)

// WithCheckpointer sets the checkpointer notified after durable writes.
func WithCheckpointer(c Checkpointer) Option {
	return func(w *Writer) {
		w.checkpointer = c
	}
}

// Writer batches records and writes them through a Sink.
// It is meant to be driven by a single goroutine.
type Writer struct {
	config       Config
	sink         Sink
	probe        MemoryProbe
	checkpointer Checkpointer
	breaker      *gobreaker.CircuitBreaker[struct{}]
	logger       zerolog.Logger

	batch          []record.Record
	seen           map[string]struct{} // ids written this run; grows with the run
	stats          Stats
	lastCheckpoint int
	fatal          error
	closed         bool
	closeOnce      sync.Once
	closeErr       error
}

// New creates a writer. Zero config fields fall back to DefaultConfig.
func New(cfg Config, sink Sink, probe MemoryProbe, logger zerolog.Logger, opts ...Option) *Writer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}

	w := &Writer{
		config: cfg,
		sink:   sink,
		probe:  probe,
		logger: logging.Component(logger, "writer"),
		batch:  make([]record.Record, 0, cfg.BatchSize),
		seen:   make(map[string]struct{}),
	}

	limit := uint32(cfg.MaxConsecutiveFailures)
	w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "writer",
		MaxRequests: 1,
		Timeout:     24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Write breaker state changed")
		},
	})

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Accept adds a record to the current batch and flushes when the batch is
// full or the process exceeds its memory ceiling. Failed flushes are logged
// and only reported once they become fatal.
func (w *Writer) Accept(ctx context.Context, rec record.Record) error {
	if w.fatal != nil {
		return w.fatal
	}
	if w.closed {
		return ErrClosed
	}

	w.batch = append(w.batch, rec)
	w.stats.Accepted++
	batchSizeGauge.Set(float64(len(w.batch)))

	var reason string
	if len(w.batch) >= w.config.BatchSize {
		reason = ReasonSize
	} else if rss, over := w.overMemory(ctx); over {
		reason = ReasonMemory
		w.logger.Warn().
			Str("reason", reason).
			Str("memory", humanize.IBytes(rss)).
			Int("memory_limit_mb", w.config.MaxMemoryMB).
			Int("batch_size", len(w.batch)).
			Msg("Memory pressure detected, forcing batch write")
	}
	if reason == "" {
		return nil
	}

	err := w.flush(ctx, reason)
	if errors.Is(err, ErrTooManyWriteFailures) {
		return err
	}
	return nil
}

// Flush writes the current batch. It returns the write error, if any; once
// consecutive failures reach the limit the error is ErrTooManyWriteFailures
// and the writer refuses further work.
func (w *Writer) Flush(ctx context.Context) error {
	if w.fatal != nil {
		return w.fatal
	}
	if w.closed {
		return ErrClosed
	}
	return w.flush(ctx, ReasonFinal)
}

// flush drains the batch into the sink. Once a batch is taken it is written
// even if ctx is done, otherwise its records would be lost.
func (w *Writer) flush(ctx context.Context, reason string) error {
	ctx = context.WithoutCancel(ctx)
	batch := w.batch
	w.batch = make([]record.Record, 0, w.config.BatchSize)
	batchSizeGauge.Set(0)

	if len(batch) == 0 {
		return nil
	}

	rows, lastID := w.prepare(batch)
	if len(rows) == 0 {
		w.logger.Warn().
			Str("reason", reason).
			Int("batch_size", len(batch)).
			Msg("No valid records in batch")
		return nil
	}

	start := time.Now()
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.sink.Write(ctx, rows)
	})
	w.stats.Flushes++

	if err != nil {
		w.stats.Failures++
		flushesTotal.WithLabelValues(reason, "error").Inc()

		failures := w.breaker.Counts().ConsecutiveFailures
		if w.breaker.State() == gobreaker.StateOpen {
			failures = uint32(w.config.MaxConsecutiveFailures)
		}
		w.logger.Error().
			Err(err).
			Str("reason", reason).
			Int("rows", len(rows)).
			Uint32("consecutive_failures", failures).
			Int("max_failures", w.config.MaxConsecutiveFailures).
			Msg("Failed to write batch")

		if w.breaker.State() == gobreaker.StateOpen {
			w.fatal = fmt.Errorf("%w (%d in a row): %w", ErrTooManyWriteFailures, w.config.MaxConsecutiveFailures, err)
			w.logger.Error().Msg("Too many consecutive write failures, stopping")
			return w.fatal
		}
		return fmt.Errorf("write batch: %w", err)
	}

	w.stats.Written += len(rows)
	w.stats.LastID = lastID
	flushesTotal.WithLabelValues(reason, "ok").Inc()
	rowsWrittenTotal.Add(float64(len(rows)))

	w.logger.Info().
		Str("reason", reason).
		Int("rows", len(rows)).
		Int("written", w.stats.Written).
		Dur("duration", time.Since(start)).
		Msg("Batch written")

	if w.checkpointer != nil && w.stats.Written-w.lastCheckpoint >= w.config.CheckpointInterval {
		w.checkpointer.Save(ctx, lastID, w.stats.Written)
		w.lastCheckpoint = w.stats.Written
	}
	return nil
}

// prepare validates, de-duplicates and normalizes a batch.
func (w *Writer) prepare(batch []record.Record) ([]record.Row, string) {
	rows := make([]record.Row, 0, len(batch))
	var lastID string

	for _, rec := range batch {
		if err := record.Validate(rec); err != nil {
			w.stats.Dropped++
			recordsDroppedTotal.WithLabelValues("invalid").Inc()
			w.logger.Warn().
				Err(err).
				Msg("Dropping invalid record")
			continue
		}

		id := rec.ID()
		if _, dup := w.seen[id]; dup {
			w.stats.Duplicates++
			recordsDroppedTotal.WithLabelValues("duplicate").Inc()
			w.logger.Debug().
				Str("record_id", id).
				Msg("Skipping duplicate record")
			continue
		}
		w.seen[id] = struct{}{}

		row, rep := record.Normalize(rec)
		if !rep.Empty() {
			w.logger.Debug().
				Str("record_id", id).
				Strs("coerced", rep.Coerced).
				Strs("unknown", rep.Unknown).
				Msg("Normalized record")
		}
		rows = append(rows, row)
		lastID = id
	}
	return rows, lastID
}

// overMemory reports whether resident memory exceeds the ceiling. Probe
// failures are logged and read as zero.
func (w *Writer) overMemory(ctx context.Context) (uint64, bool) {
	if w.probe == nil {
		return 0, false
	}
	rss, err := w.probe.RSS(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read memory usage")
		return 0, false
	}
	processRSSBytes.Set(float64(rss))
	return rss, rss > uint64(w.config.MaxMemoryMB)*1024*1024
}

// Close closes the sink exactly once. Pending records are not flushed.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closed = true
		if n := len(w.batch); n > 0 {
			w.logger.Warn().
				Int("batch_size", n).
				Msg("Closing writer with unflushed records")
		}
		w.batch = nil
		batchSizeGauge.Set(0)
		w.closeErr = w.sink.Close()

		w.logger.Info().
			Int("accepted", w.stats.Accepted).
			Int("written", w.stats.Written).
			Int("dropped", w.stats.Dropped).
			Int("duplicates", w.stats.Duplicates).
			Msg("Writer closed")
	})
	return w.closeErr
}

// Stats returns a snapshot of the writer's progress.
func (w *Writer) Stats() Stats {
	return w.stats
}

// Pending returns the number of records waiting in the current batch.
func (w *Writer) Pending() int {
	return len(w.batch)
}
