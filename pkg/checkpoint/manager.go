package checkpoint

import (
	"bytes"
	"context"
	"errors"

	"github.com/coder/quartz"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
)

// Prometheus metrics for checkpoint operations.
var (
	checkpointOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_checkpoint_operations_total",
		Help: "Checkpoint operations by operation and result",
	}, []string{"operation", "result"})

	checkpointCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puller_checkpoint_count",
		Help: "Record count of the last saved checkpoint",
	})
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to timestamp checkpoints.
func WithClock(clock quartz.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// Manager saves and loads checkpoints for one output target.
type Manager struct {
	store  Store
	output string
	clock  quartz.Clock
	logger zerolog.Logger
}

// NewManager creates a checkpoint manager for outputTarget.
func NewManager(store Store, outputTarget string, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		output: outputTarget,
		clock:  quartz.NewReal(),
		logger: logging.Component(logger, "checkpoint").With().Str("output", outputTarget).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save records progress. Failures are logged, never returned.
func (m *Manager) Save(ctx context.Context, lastRecordID string, count int) {
	cp := Checkpoint{
		LastRecordID: lastRecordID,
		Count:        count,
		Timestamp:    m.clock.Now("checkpoint", "save").UTC(),
		OutputTarget: m.output,
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		checkpointOpsTotal.WithLabelValues("save", "error").Inc()
		m.logger.Error().Err(err).Msg("Failed to encode checkpoint")
		return
	}

	if err := m.store.Put(ctx, m.output, data); err != nil {
		checkpointOpsTotal.WithLabelValues("save", "error").Inc()
		m.logger.Warn().Err(err).Msg("Failed to save checkpoint")
		return
	}

	checkpointOpsTotal.WithLabelValues("save", "ok").Inc()
	checkpointCount.Set(float64(count))
	m.logger.Debug().
		Str("last_record_id", lastRecordID).
		Int("count", count).
		Msg("Checkpoint saved")
}

// Load returns the stored checkpoint. Missing, empty and malformed
// checkpoints are reported as absent.
func (m *Manager) Load(ctx context.Context) (*Checkpoint, bool) {
	data, err := m.store.Get(ctx, m.output)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			checkpointOpsTotal.WithLabelValues("load", "missing").Inc()
			m.logger.Debug().Msg("No checkpoint found")
			return nil, false
		}
		checkpointOpsTotal.WithLabelValues("load", "error").Inc()
		m.logger.Error().Err(err).Msg("Error reading checkpoint")
		return nil, false
	}

	if len(bytes.TrimSpace(data)) == 0 {
		checkpointOpsTotal.WithLabelValues("load", "empty").Inc()
		m.logger.Warn().Msg("Empty checkpoint, ignoring")
		return nil, false
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		checkpointOpsTotal.WithLabelValues("load", "corrupt").Inc()
		m.logger.Warn().Err(err).Msg("Corrupted checkpoint, ignoring")
		return nil, false
	}

	checkpointOpsTotal.WithLabelValues("load", "ok").Inc()
	m.logger.Info().
		Str("last_record_id", cp.LastRecordID).
		Int("count", cp.Count).
		Time("taken_at", cp.Timestamp).
		Msg("Loaded checkpoint")
	return &cp, true
}

// Cleanup removes the checkpoint after a completed run.
func (m *Manager) Cleanup(ctx context.Context) {
	if err := m.store.Delete(ctx, m.output); err != nil {
		checkpointOpsTotal.WithLabelValues("cleanup", "error").Inc()
		m.logger.Warn().Err(err).Msg("Failed to clean up checkpoint")
		return
	}
	checkpointOpsTotal.WithLabelValues("cleanup", "ok").Inc()
	m.logger.Info().Msg("Checkpoint cleaned up")
}
