// Package resource measures process resource usage for worker self-policing.
package resource

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessProbe reports the resident set size of a single OS process.
type ProcessProbe struct {
	pid int32
}

// NewProcessProbe builds a probe for pid.
func NewProcessProbe(pid int) *ProcessProbe {
	return &ProcessProbe{pid: int32(pid)}
}

// NewSelfProbe builds a probe for the current process.
func NewSelfProbe() *ProcessProbe {
	return NewProcessProbe(os.Getpid())
}

// PID returns the probed process id.
func (p *ProcessProbe) PID() int {
	return int(p.pid)
}

// ResidentMemory returns the RSS in bytes.
func (p *ProcessProbe) ResidentMemory(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, p.pid)
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", p.pid, err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory info for %d: %w", p.pid, err)
	}
	return info.RSS, nil
}

// Limit compares a measured value with a byte limit. A zero limit never trips.
type Limit uint64

// Exceeded reports whether rss is above the limit.
func (l Limit) Exceeded(rss uint64) bool {
	return l > 0 && rss > uint64(l)
}

// MiB renders bytes as mebibytes for logs.
func MiB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
