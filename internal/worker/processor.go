package worker

import (
	"context"
	"errors"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ErrProcessorDead means the processor can no longer accept items. The worker
// that owns it fails so the supervisor can replace it.
var ErrProcessorDead = errors.New("processor dead")

// StageFunc reports progress through an item.
type StageFunc func(State)

// Processor turns one work item into a record. Implementations decide where
// the work runs.
type Processor interface {
	Process(ctx context.Context, item crawler.WorkItem, stage StageFunc) (crawler.Record, error)
	// ResidentMemory is the RSS in bytes of whatever executes Process.
	ResidentMemory(ctx context.Context) (uint64, error)
	Close() error
}
