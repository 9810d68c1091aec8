// Package logging sets up the puller's zerolog output and the context fields
// shared by every component.
//
// The process logger is built once by Setup from the logging section of the
// configuration. Packages never reach for the global logger: they receive a
// zerolog.Logger and scope it with Component, so every line carries the
// package that emitted it. A pipeline run is scoped further with ForRun.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Context field names.
const (
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldSubject   = "subject"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output. Unknown levels log at info.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig logs info and above to stderr, pretty when stderr is a
// terminal.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: IsTerminal(os.Stderr),
		Output: os.Stderr,
	}
}

// Setup builds the process logger and installs it as zerolog's global
// logger and level.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = LevelInfo
	}
	zerolog.SetGlobalLevel(level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel accepts a level name in any case. "warning" is an alias for
// "warn"; the empty string is an error.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component scopes parent to the named package.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str(FieldComponent, name).Logger()
}

// ForRun scopes parent to one extraction run.
func ForRun(parent zerolog.Logger, runID string) zerolog.Logger {
	return parent.With().Str(FieldRunID, runID).Logger()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Levels as used across the puller:
//
// Debug: page fetches, pacing waits, coerced fields, duplicate ids and
// checkpoint saves.
//
// Info: subject resolution, run start and end, written batches, checkpoint
// load and cleanup.
//
// Warn: rate limit sleeps and retries, memory flushes, dropped or undated
// records, checkpoint store failures. None of these stop a run.
//
// Error: failed batch writes, pagination given up, access denied, failed
// runs.
//
// Besides component, run_id and subject, lines commonly carry attempt, wait,
// reason, batch_size and memory.
