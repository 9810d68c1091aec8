package writer

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryProbe reports the resident memory of the running process.
type MemoryProbe interface {
	RSS(ctx context.Context) (uint64, error)
}

// ProcessMemory reads the resident set size of the current process.
type ProcessMemory struct {
	proc *process.Process
}

// NewProcessMemory creates a probe for the current process.
func NewProcessMemory() (*ProcessMemory, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect current process: %w", err)
	}
	return &ProcessMemory{proc: p}, nil
}

// RSS implements MemoryProbe.
func (m *ProcessMemory) RSS(ctx context.Context) (uint64, error) {
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory info: %w", err)
	}
	return info.RSS, nil
}

// StaticMemory is a MemoryProbe that always reports the same value.
type StaticMemory uint64

// RSS implements MemoryProbe.
func (m StaticMemory) RSS(context.Context) (uint64, error) {
	return uint64(m), nil
}
