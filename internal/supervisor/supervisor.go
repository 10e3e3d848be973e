// Package supervisor keeps a fixed-size worker pool alive, replacing dead
// workers within a restart budget and deciding when the crawl is complete.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// ErrRestartBudgetExceeded is fatal: workers are dying faster than the
// budget allows.
var ErrRestartBudgetExceeded = errors.New("worker restart budget exceeded")

// Member is a supervised worker.
type Member interface {
	ID() int
	State() worker.State
	Run(ctx context.Context)
	Done() <-chan struct{}
	Err() error
	Stats() worker.Stats
}

// Factory builds a fresh worker for a slot.
type Factory func(id int) (Member, error)

// Pending reports outstanding work, normally the task queue.
type Pending interface {
	Unfinished() int
	Len() int
	Closed() bool
}

// Config sizes the pool and its restart budget. MaxRestarts <= 0 disables the budget.
type Config struct {
	Size           int
	HealthInterval time.Duration
	MaxRestarts    int
	RestartWindow  time.Duration
}

// WorkerStatus is a point-in-time view of one slot.
type WorkerStatus struct {
	ID         int    `json:"id"`
	Generation int    `json:"generation"`
	State      string `json:"state"`
	Restarts   int    `json:"restarts"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
	Retried    int64  `json:"retried"`
}

type slot struct {
	member     Member
	generation int
	restarts   int
}

// Supervisor owns the worker slots.
type Supervisor struct {
	cfg     Config
	factory Factory
	pending Pending
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	runCtx   context.Context
	slots    []*slot
	restarts []time.Time
	total    int
	wg       sync.WaitGroup
}

// New constructs a Supervisor.
func New(cfg Config, factory Factory, pending Pending, logger *zap.Logger) *Supervisor {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		pending: pending,
		logger:  logger,
		now:     time.Now,
	}
}

// Start creates Size workers and runs each on its own goroutine under ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return errors.New("supervisor already started")
	}
	s.runCtx = ctx
	s.slots = make([]*slot, s.cfg.Size)
	for id := range s.slots {
		m, err := s.factory(id)
		if err != nil {
			return fmt.Errorf("start worker %d: %w", id, err)
		}
		s.slots[id] = &slot{member: m}
		s.launchLocked(m)
	}
	s.logger.Info("worker pool started", zap.Int("size", s.cfg.Size))
	return nil
}

func (s *Supervisor) launchLocked(m Member) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.Run(s.runCtx)
	}()
}

// Check replaces every dead worker with a fresh one. It returns
// ErrRestartBudgetExceeded when a replacement would exceed the budget.
// Once the task queue is closed and empty, dead workers stay dead.
func (s *Supervisor) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return nil
	}
	if s.pending != nil {
		metrics.SetQueueDepth("task", s.pending.Unfinished())
		if s.drainedLocked() {
			return nil
		}
	}
	for id, sl := range s.slots {
		state := sl.member.State()
		if !state.Dead() {
			continue
		}
		if !s.allowRestartLocked() {
			s.logger.Error("restart budget exceeded",
				zap.Int("worker_id", id),
				zap.Int("max_restarts", s.cfg.MaxRestarts),
				zap.Duration("window", s.cfg.RestartWindow),
			)
			return ErrRestartBudgetExceeded
		}
		s.restarts = append(s.restarts, s.now())
		s.total++
		metrics.ObserveRestart(state.String())

		fields := []zap.Field{
			zap.Int("worker_id", id),
			zap.String("state", state.String()),
			zap.Int("generation", sl.generation+1),
		}
		if err := sl.member.Err(); err != nil {
			fields = append(fields, zap.NamedError("cause", err))
		}
		m, err := s.factory(id)
		if err != nil {
			s.logger.Error("worker replacement failed", append(fields, zap.Error(err))...)
			continue
		}
		sl.member = m
		sl.generation++
		sl.restarts++
		s.launchLocked(m)
		s.logger.Warn("worker replaced", fields...)
	}
	return nil
}

func (s *Supervisor) drainedLocked() bool {
	return s.pending.Closed() && s.pending.Len() == 0
}

func (s *Supervisor) allowRestartLocked() bool {
	if s.cfg.MaxRestarts <= 0 {
		return true
	}
	cutoff := s.now().Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, ts := range s.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.restarts = kept
	return len(s.restarts) < s.cfg.MaxRestarts
}

// Complete reports whether the crawl is finished: producers are done, no
// task is outstanding and every live worker is idle.
func (s *Supervisor) Complete(producersDone bool) bool {
	if !producersDone {
		return false
	}
	if s.pending != nil && s.pending.Unfinished() != 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if st := sl.member.State(); !st.Dead() && st != worker.Idle {
			return false
		}
	}
	return true
}

// Watch runs Check every HealthInterval until the crawl is complete, ctx
// ends, or the restart budget is exceeded.
func (s *Supervisor) Watch(ctx context.Context, producersDone <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.Check(); err != nil {
			return err
		}
		if s.Complete(closed(producersDone)) {
			s.logger.Info("crawl complete", zap.Int("restarts", s.Restarts()))
			return nil
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until every worker goroutine has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Restarts returns the total number of replacements so far.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Snapshot describes every slot.
func (s *Supervisor) Snapshot() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.slots))
	for id, sl := range s.slots {
		stats := sl.member.Stats()
		out = append(out, WorkerStatus{
			ID:         id,
			Generation: sl.generation,
			State:      sl.member.State().String(),
			Restarts:   sl.restarts,
			Processed:  stats.Processed,
			Failed:     stats.Failed,
			Retried:    stats.Retried,
		})
	}
	return out
}
