// Package checkpoint persists best-effort progress markers for an
// extraction run so an interrupted run can report where it stopped.
//
// Checkpoint I/O never fails the caller: write errors are logged and
// unreadable checkpoints are treated as absent.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when no checkpoint exists for a key.
var ErrNotFound = errors.New("checkpoint not found")

// Suffix is appended to the output target to derive the checkpoint name.
const Suffix = ".checkpoint"

// Checkpoint is a durable progress marker.
type Checkpoint struct {
	// LastRecordID is the identifier of the last durably written record.
	LastRecordID string `json:"last_record_id"`

	// Count is the number of records durably written when the checkpoint was taken.
	Count int `json:"count"`

	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time `json:"timestamp"`

	// OutputTarget is the output the checkpoint belongs to.
	OutputTarget string `json:"output_target"`
}

// Store persists raw checkpoint documents keyed by output target.
type Store interface {
	// Get returns the stored document or ErrNotFound.
	Get(ctx context.Context, outputTarget string) ([]byte, error)

	// Put replaces the stored document.
	Put(ctx context.Context, outputTarget string, data []byte) error

	// Delete removes the stored document. Deleting a missing document is not an error.
	Delete(ctx context.Context, outputTarget string) error
}

// Path returns the checkpoint file path for an output path.
func Path(outputTarget string) string {
	return outputTarget + Suffix
}
