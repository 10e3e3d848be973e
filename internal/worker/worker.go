// Package worker implements the supervised crawl worker: a loop that pulls
// work items from the task queue, runs them through a Processor and hands
// records to the result queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/queue"
	"github.com/JakeFAU/catalog-crawler/internal/resource"
)

// Config controls Worker behavior.
type Config struct {
	DequeueTimeout time.Duration
	MemoryLimit    resource.Limit
	// ItemTimeout bounds one item end to end. Zero leaves bounding to the fetcher.
	ItemTimeout time.Duration
}

// Stats counts what a worker has handled.
type Stats struct {
	Processed int64
	Failed    int64
	Retried   int64
}

// Worker consumes work items one at a time.
type Worker struct {
	id      int
	tasks   *queue.Queue[crawler.WorkItem]
	results *queue.Queue[crawler.Record]
	proc    Processor
	retry   crawler.RetryPolicy
	cfg     Config
	logger  *zap.Logger

	state     stateCell
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	done    chan struct{}
	errMu   sync.Mutex
	exitErr error
}

// New constructs a Worker. retry may be nil for at-most-once processing.
func New(
	id int,
	tasks *queue.Queue[crawler.WorkItem],
	results *queue.Queue[crawler.Record],
	proc Processor,
	retry crawler.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		tasks:   tasks,
		results: results,
		proc:    proc,
		retry:   retry,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker_id", id)),
		done:    make(chan struct{}),
	}
}

// ID returns the worker's slot id.
func (w *Worker) ID() int { return w.id }

// State returns the current state.
func (w *Worker) State() State { return w.state.load() }

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns why the worker failed, if it did.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.exitErr
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Retried:   w.retried.Load(),
	}
}

// Run blocks until ctx is canceled, the memory limit is crossed, the task
// queue is closed and drained, or the processor dies.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.proc.Close(); err != nil {
			w.logger.Warn("processor close failed", zap.Error(err))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("worker panic: %v", r))
		}
	}()

	w.logger.Debug("worker started")
	for {
		if ctx.Err() != nil {
			w.terminate("shutdown requested")
			return
		}
		if w.overMemory(ctx) {
			return
		}

		item, err := w.tasks.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrTimeout):
			case errors.Is(err, queue.ErrClosed):
				w.terminate("task queue closed")
				return
			case ctx.Err() != nil:
			default:
				w.logger.Error("dequeue failed", zap.Error(err))
			}
			continue
		}

		if err := w.handle(ctx, item); err != nil {
			w.fail(err)
			return
		}
	}
}

// handle processes one item. The item is marked done exactly once, after any
// retry has been enqueued, and is either published, retried or dropped with
// one "item dropped" log. Only a dead processor is returned as an error.
func (w *Worker) handle(ctx context.Context, item crawler.WorkItem) error {
	logger := w.logger.With(
		zap.String("url", item.URL),
		zap.String("category", item.Category),
		zap.Int("attempt", item.Attempt),
	)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if err := w.tasks.MarkDone(); err != nil {
			logger.Error("mark done failed", zap.Error(err))
		}
		w.state.store(Idle)
	}()

	itemCtx := context.WithoutCancel(ctx)
	if w.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(itemCtx, w.cfg.ItemTimeout)
		defer cancel()
	}

	record, err := w.process(itemCtx, item)
	if err != nil {
		w.retryOrDrop(ctx, item, err, logger)
		if errors.Is(err, ErrProcessorDead) {
			return err
		}
		return nil
	}

	// The record is already extracted, so wait for room as long as it takes.
	// Shutdown unblocks this by draining or abandoning the result queue.
	w.state.store(Publishing)
	if err := w.results.Enqueue(context.WithoutCancel(ctx), record); err != nil {
		w.drop(fmt.Errorf("publish %s: %w", record.Key(), err), metrics.OutcomeDropped, logger)
		return nil
	}
	w.processed.Add(1)
	metrics.ObserveItem(metrics.OutcomeSuccess)
	logger.Debug("item processed", zap.String("key", record.Key().String()))
	return nil
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) (record crawler.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", item.URL, r)
		}
	}()
	return w.proc.Process(ctx, item, func(s State) { w.state.store(s) })
}

// retryOrDrop re-enqueues the next attempt without blocking. An exhausted
// policy, a full queue or shutdown during backoff drops the item, and only
// a drop counts as a failure.
func (w *Worker) retryOrDrop(ctx context.Context, item crawler.WorkItem, cause error, logger *zap.Logger) {
	if w.retry == nil || !w.retry.ShouldRetry(cause, item.Attempt) {
		w.drop(cause, metrics.OutcomeFailed, logger)
		return
	}
	if delay := w.retry.Backoff(item.Attempt); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			w.drop(fmt.Errorf("retry abandoned on shutdown: %w", cause), metrics.OutcomeDropped, logger)
			return
		}
	}
	if !w.tasks.TryEnqueue(item.Retry()) {
		w.drop(fmt.Errorf("retry not queued: %w", cause), metrics.OutcomeDropped, logger)
		return
	}
	w.retried.Add(1)
	metrics.ObserveItem(metrics.OutcomeRetried)
	logger.Info("retrying", zap.Int("next_attempt", item.Attempt+1), zap.Error(cause))
}

// drop is the single terminal failure path for an item.
func (w *Worker) drop(cause error, outcome string, logger *zap.Logger) {
	w.failed.Add(1)
	metrics.ObserveItem(outcome)
	logger.Error("item dropped", zap.Error(cause))
}

func (w *Worker) overMemory(ctx context.Context) bool {
	if w.cfg.MemoryLimit == 0 {
		return false
	}
	rss, err := w.proc.ResidentMemory(ctx)
	if err != nil {
		if errors.Is(err, ErrProcessorDead) {
			w.fail(err)
			return true
		}
		w.logger.Warn("memory probe failed", zap.Error(err))
		return false
	}
	if !w.cfg.MemoryLimit.Exceeded(rss) {
		return false
	}
	w.logger.Warn("memory limit exceeded, terminating",
		zap.Float64("rss_mib", resource.MiB(rss)),
		zap.Float64("limit_mib", resource.MiB(uint64(w.cfg.MemoryLimit))),
	)
	w.state.store(Terminated)
	return true
}

func (w *Worker) terminate(reason string) {
	if w.state.store(Terminated) {
		w.logger.Debug("worker terminated", zap.String("reason", reason))
	}
}

func (w *Worker) fail(err error) {
	w.errMu.Lock()
	if w.exitErr == nil {
		w.exitErr = err
	}
	w.errMu.Unlock()
	if w.state.store(Failed) {
		w.logger.Error("worker failed", zap.Error(err))
	}
}
