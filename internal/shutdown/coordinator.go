// Package shutdown drives the orderly stop of a crawl: workers first, then
// the result drain, then the persister.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/queue"
)

const persisterStopTimeout = 5 * time.Second

// Waiter is anything whose goroutines can be awaited with a deadline.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Report summarizes what the shutdown had to give up on.
type Report struct {
	TasksJoined      bool          `json:"tasks_joined"`
	WorkersStopped   bool          `json:"workers_stopped"`
	AbandonedTasks   int           `json:"abandoned_tasks"`
	AbandonedResults int           `json:"abandoned_results"`
	PersisterStopped bool          `json:"persister_stopped"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Coordinator owns the cancel functions of the worker and persister contexts.
type Coordinator struct {
	cancelWorkers   context.CancelFunc
	cancelPersister context.CancelFunc
	tasks           *queue.Queue[crawler.WorkItem]
	results         *queue.Queue[crawler.Record]
	pool            Waiter
	persister       Waiter
	grace           time.Duration
	logger          *zap.Logger

	once   sync.Once
	report Report
}

// New constructs a Coordinator. A non-positive grace defaults to 30s.
func New(
	cancelWorkers context.CancelFunc,
	cancelPersister context.CancelFunc,
	tasks *queue.Queue[crawler.WorkItem],
	results *queue.Queue[crawler.Record],
	pool Waiter,
	persister Waiter,
	grace time.Duration,
	logger *zap.Logger,
) *Coordinator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cancelWorkers:   cancelWorkers,
		cancelPersister: cancelPersister,
		tasks:           tasks,
		results:         results,
		pool:            pool,
		persister:       persister,
		grace:           grace,
		logger:          logger,
	}
}

// Shutdown runs the stop sequence once; later calls return the first report.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.once.Do(func() {
		c.report = c.run(ctx)
	})
	return c.report
}

func (c *Coordinator) run(ctx context.Context) Report {
	start := time.Now()
	var report Report
	c.logger.Info("shutdown started", zap.Duration("grace_period", c.grace))

	c.cancelWorkers()
	graceCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	report.TasksJoined, report.WorkersStopped = c.waitForWorkers(graceCtx)
	if !report.TasksJoined && !report.WorkersStopped {
		c.logger.Warn("grace period elapsed with workers still busy")
	}

	// Close before Abandon so a late retry cannot land behind it.
	c.tasks.Close()
	if n := c.tasks.Abandon(); n > 0 {
		report.AbandonedTasks = n
		c.logger.Warn("abandoned queued work items", zap.Int("count", n))
	}

	if err := c.results.Join(graceCtx); err != nil {
		c.logger.Warn("result queue did not drain in time", zap.Error(err))
	}
	c.cancelPersister()
	if n := c.results.Abandon(); n > 0 {
		report.AbandonedResults = n
		c.logger.Warn("abandoned unpersisted records", zap.Int("count", n))
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), persisterStopTimeout)
	defer stopCancel()
	if err := c.persister.Wait(stopCtx); err != nil {
		c.logger.Error("persister did not stop", zap.Error(err))
	} else {
		report.PersisterStopped = true
	}

	report.Elapsed = time.Since(start)
	c.logger.Info("shutdown finished",
		zap.Bool("tasks_joined", report.TasksJoined),
		zap.Bool("workers_stopped", report.WorkersStopped),
		zap.Int("abandoned_tasks", report.AbandonedTasks),
		zap.Int("abandoned_results", report.AbandonedResults),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report
}

// waitForWorkers returns as soon as either the task queue joins or every
// worker goroutine exits, or when ctx ends.
func (c *Coordinator) waitForWorkers(ctx context.Context) (joined, stopped bool) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	joinCh := make(chan bool, 1)
	stopCh := make(chan bool, 1)
	go func() { joinCh <- c.tasks.Join(waitCtx) == nil }()
	go func() { stopCh <- c.pool.Wait(waitCtx) == nil }()

	select {
	case joined = <-joinCh:
		if joined {
			return true, false
		}
		return false, <-stopCh
	case stopped = <-stopCh:
		if stopped {
			return false, true
		}
		return <-joinCh, false
	}
}
