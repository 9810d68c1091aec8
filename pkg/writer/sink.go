package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
	"github.com/Sternrassler/tweet-puller/pkg/record"
)

// Sink persists normalized rows.
type Sink interface {
	// Write appends rows. The first successful call fixes the output schema.
	Write(ctx context.Context, rows []record.Row) error

	// Close finalizes the output. Calling Close more than once is safe.
	Close() error
}

// ParquetSink writes rows to a parquet file, one row group per Write.
// The file is created on the first Write and overwritten if it exists.
type ParquetSink struct {
	fs     afero.Fs
	path   string
	schema *arrow.Schema
	mem    memory.Allocator
	logger zerolog.Logger

	file   afero.File
	fw     *pqarrow.FileWriter
	rows   int64
	closed bool
}

// NewParquetSink creates a parquet sink writing to path on fs.
func NewParquetSink(fs afero.Fs, path string, logger zerolog.Logger) *ParquetSink {
	return &ParquetSink{
		fs:     fs,
		path:   path,
		schema: record.ArrowSchema(),
		mem:    memory.DefaultAllocator,
		logger: logging.Component(logger, "parquet").With().Str("path", path).Logger(),
	}
}

// Path returns the output path.
func (s *ParquetSink) Path() string {
	return s.path
}

// Rows returns the number of rows written so far.
func (s *ParquetSink) Rows() int64 {
	return s.rows
}

// Write implements Sink.
func (s *ParquetSink) Write(_ context.Context, rows []record.Row) error {
	if s.closed {
		return ErrClosed
	}
	if len(rows) == 0 {
		return nil
	}

	if s.fw == nil {
		if err := s.open(); err != nil {
			return err
		}
	}

	rec, err := buildRecord(s.mem, s.schema, rows)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := s.fw.Write(rec); err != nil {
		return fmt.Errorf("write row group: %w", err)
	}
	s.rows += int64(len(rows))
	return nil
}

func (s *ParquetSink) open() error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := s.fs.Create(s.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	fw, err := pqarrow.NewFileWriter(s.schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}

	s.file = f
	s.fw = fw
	s.logger.Info().Msg("Opened parquet output")
	return nil
}

// Close implements Sink.
func (s *ParquetSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.fw == nil {
		s.logger.Info().Msg("No rows written, no output file created")
		return nil
	}

	var errs []error
	if err := s.fw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close parquet writer: %w", err))
	}
	// The parquet writer closes its sink; closing again is a no-op for us.
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, afero.ErrFileClosed) {
		errs = append(errs, fmt.Errorf("close output file: %w", err))
	}

	s.logger.Info().
		Int64("rows", s.rows).
		Msg("Closed parquet output")
	return errors.Join(errs...)
}
