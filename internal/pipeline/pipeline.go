// Package pipeline runs one crawl: it seeds the task queue, supervises the
// worker pool, drains results into the store and shuts everything down in
// order when the crawl completes, fails or is interrupted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/persister"
	"github.com/JakeFAU/catalog-crawler/internal/queue"
	"github.com/JakeFAU/catalog-crawler/internal/shutdown"
	"github.com/JakeFAU/catalog-crawler/internal/source"
	"github.com/JakeFAU/catalog-crawler/internal/supervisor"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// RecordTopic is the event name attached to new-record notifications.
const RecordTopic = "record.stored"

// Config sizes and times the run.
type Config struct {
	RunID          string
	Source         source.Config
	Worker         worker.Config
	Supervisor     supervisor.Config
	TaskCapacity   int
	ResultCapacity int
	// PersistTimeout is the persister's dequeue wait.
	PersistTimeout time.Duration
	Grace          time.Duration
}

// Deps are the services a run needs. Publisher and Clock may be nil.
type Deps struct {
	Fetcher      crawler.Fetcher
	Parser       crawler.ListingParser
	Store        crawler.RecordStore
	Publisher    crawler.Publisher
	Clock        crawler.Clock
	Retry        crawler.RetryPolicy
	NewProcessor func(id int) (worker.Processor, error)
}

// Summary is logged at the end of a run.
type Summary struct {
	RunID      string          `json:"run_id"`
	Attempted  int64           `json:"attempted"`
	Extracted  int64           `json:"extracted"`
	Failed     int64           `json:"failed"`
	Retried    int64           `json:"retried"`
	Persisted  int64           `json:"persisted"`
	Duplicates int64           `json:"duplicates"`
	StoreFails int64           `json:"store_failures"`
	Before     int64           `json:"before"`
	After      int64           `json:"after"`
	Restarts   int             `json:"restarts"`
	Source     source.Stats    `json:"source"`
	Shutdown   shutdown.Report `json:"shutdown"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Progress is a cheap snapshot for progress bars.
type Progress struct {
	Enqueued  int64
	Completed int64
}

// Pipeline wires the components of a single run. It is not reusable.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	tasks     *queue.Queue[crawler.WorkItem]
	results   *queue.Queue[crawler.Record]
	source    *source.Source
	super     *supervisor.Supervisor
	persister *persister.Persister

	phase   atomic.Value
	started time.Time

	mu      sync.Mutex
	members []*worker.Worker
}

// New constructs a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		tasks:   queue.New[crawler.WorkItem](cfg.TaskCapacity),
		results: queue.New[crawler.Record](cfg.ResultCapacity),
		started: time.Now(),
	}
	p.phase.Store(api.PhaseStarting)
	p.source = source.New(cfg.Source, deps.Fetcher, deps.Parser, p.tasks, logger.Named("source"))
	p.super = supervisor.New(cfg.Supervisor, p.newMember, p.tasks, logger.Named("supervisor"))
	p.persister = persister.New(p.results, deps.Store, deps.Publisher, deps.Clock, persister.Config{
		DequeueTimeout: cfg.PersistTimeout,
		RunID:          cfg.RunID,
		Topic:          RecordTopic,
	}, logger.Named("persister"))
	return p
}

func (p *Pipeline) newMember(id int) (supervisor.Member, error) {
	proc, err := p.deps.NewProcessor(id)
	if err != nil {
		return nil, err
	}
	w := worker.New(id, p.tasks, p.results, proc, p.deps.Retry, p.cfg.Worker, p.logger.Named("worker"))
	p.mu.Lock()
	p.members = append(p.members, w)
	p.mu.Unlock()
	return w, nil
}

// Run executes the crawl until it completes, the restart budget is exceeded
// or ctx is canceled. Cancellation is a normal stop and still returns a
// Summary with a nil error.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: p.cfg.RunID}

	before, err := p.deps.Store.Count(ctx)
	if err != nil {
		return summary, fmt.Errorf("count records before run: %w", err)
	}
	summary.Before = before

	// Workers and the persister outlive a signal so the coordinator can drain them.
	base := context.WithoutCancel(ctx)
	workerCtx, cancelWorkers := context.WithCancel(base)
	defer cancelWorkers()
	persistCtx, cancelPersister := context.WithCancel(base)
	defer cancelPersister()

	if err := p.super.Start(workerCtx); err != nil {
		return summary, fmt.Errorf("start worker pool: %w", err)
	}
	go p.persister.Run(persistCtx)
	coordinator := shutdown.New(cancelWorkers, cancelPersister, p.tasks, p.results,
		p.super, p.persister, p.cfg.Grace, p.logger.Named("shutdown"))

	p.phase.Store(api.PhaseRunning)
	p.logger.Info("crawl started",
		zap.Strings("categories", p.cfg.Source.Categories),
		zap.Int("workers", p.cfg.Supervisor.Size),
		zap.Int64("records_before", before),
	)

	producersDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(producersDone)
		if err := p.source.Seed(gctx); err != nil && gctx.Err() == nil {
			p.logger.Error("seeding stopped early", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return p.super.Watch(gctx, producersDone)
	})
	runErr := g.Wait()
	if ctx.Err() != nil && runErr == nil {
		p.logger.Warn("crawl interrupted", zap.Error(context.Cause(ctx)))
	}

	p.phase.Store(api.PhaseShuttingDown)
	summary.Shutdown = coordinator.Shutdown(base)
	metrics.SetQueueDepth("result", p.results.Len())

	after, err := p.deps.Store.Count(base)
	if err != nil {
		p.logger.Error("count records after run", zap.Error(err))
		after = before + p.persister.Stats().Inserted
	}
	summary.After = after
	p.fill(&summary)
	p.phase.Store(api.PhaseDone)

	if errors.Is(runErr, supervisor.ErrRestartBudgetExceeded) {
		return summary, fmt.Errorf("worker pool failed: %w", runErr)
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

func (p *Pipeline) fill(s *Summary) {
	s.Source = p.source.Stats()
	s.Attempted = s.Source.LinksEnqueued
	ws := p.workerStats()
	s.Extracted = ws.Processed
	s.Failed = ws.Failed
	s.Retried = ws.Retried
	ps := p.persister.Stats()
	s.Persisted = ps.Inserted
	s.Duplicates = ps.Duplicates
	s.StoreFails = ps.Failed
	s.Restarts = p.super.Restarts()
	s.Elapsed = time.Since(p.started)
}

// workerStats sums every worker ever created, replaced ones included.
func (p *Pipeline) workerStats() worker.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total worker.Stats
	for _, w := range p.members {
		st := w.Stats()
		total.Processed += st.Processed
		total.Failed += st.Failed
		total.Retried += st.Retried
	}
	return total
}

// Progress reports how many items were discovered and how many are finished.
func (p *Pipeline) Progress() Progress {
	ws := p.workerStats()
	return Progress{
		Enqueued:  p.source.Stats().LinksEnqueued,
		Completed: ws.Processed + ws.Failed,
	}
}

// Status implements api.StatusProvider.
func (p *Pipeline) Status() api.Status {
	phase, _ := p.phase.Load().(string)
	return api.Status{
		RunID:     p.cfg.RunID,
		Phase:     phase,
		StartedAt: p.started,
		Restarts:  p.super.Restarts(),
		Workers:   p.super.Snapshot(),
		Tasks:     queueStatus(p.tasks),
		Results:   queueStatus(p.results),
		Source:    p.source.Stats(),
		Persister: p.persister.Stats(),
	}
}

type sized interface {
	Len() int
	Cap() int
	Unfinished() int
}

func queueStatus(q sized) api.QueueStatus {
	return api.QueueStatus{Len: q.Len(), Cap: q.Cap(), Unfinished: q.Unfinished()}
}
