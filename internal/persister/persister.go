// Package persister is the single writer between the result queue and the
// record store.
package persister

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/queue"
)

// Config controls the consume loop and notifications.
type Config struct {
	DequeueTimeout time.Duration
	RunID          string
	Topic          string
}

// Stats counts store outcomes.
type Stats struct {
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

// Persister drains the result queue into a RecordStore.
type Persister struct {
	results   *queue.Queue[crawler.Record]
	store     crawler.RecordStore
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	inserted   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	done       chan struct{}
}

// New constructs a Persister. publisher and clock may be nil.
func New(
	results *queue.Queue[crawler.Record],
	store crawler.RecordStore,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Persister {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		results:   results,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Run consumes records until ctx is canceled and the result queue is empty.
// Store failures are logged and counted; they never stop the loop.
func (p *Persister) Run(ctx context.Context) {
	defer close(p.done)
	// Inserts keep going after cancellation so the drain can finish.
	storeCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil && p.results.Len() == 0 {
			p.logger.Info("persister stopped", zap.Any("stats", p.Stats()))
			return
		}
		wait := p.cfg.DequeueTimeout
		if ctx.Err() != nil {
			wait = time.Millisecond
		}
		record, err := p.results.Dequeue(storeCtx, wait)
		if err != nil {
			if !errors.Is(err, queue.ErrTimeout) && !errors.Is(err, queue.ErrClosed) {
				p.logger.Error("result dequeue failed", zap.Error(err))
			}
			if errors.Is(err, queue.ErrClosed) && p.results.Len() == 0 {
				return
			}
			continue
		}
		p.persist(storeCtx, record)
	}
}

func (p *Persister) persist(ctx context.Context, record crawler.Record) {
	defer func() {
		if err := p.results.MarkDone(); err != nil {
			p.logger.Error("result mark done failed", zap.Error(err))
		}
	}()
	key := record.Key().String()
	created, err := p.store.Insert(ctx, record)
	switch {
	case err != nil:
		p.failed.Add(1)
		metrics.ObserveRecord(metrics.RecordFailed)
		p.logger.Error("insert failed", zap.String("key", key), zap.String("url", record.SourceURL), zap.Error(err))
		return
	case !created:
		p.duplicates.Add(1)
		metrics.ObserveRecord(metrics.RecordDuplicate)
		p.logger.Debug("duplicate record skipped", zap.String("key", key))
		return
	}
	p.inserted.Add(1)
	metrics.ObserveRecord(metrics.RecordInserted)
	p.logger.Debug("record stored", zap.String("key", key))
	p.notify(ctx, record)
}

func (p *Persister) notify(ctx context.Context, record crawler.Record) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	storedAt := time.Now().UTC()
	if p.clock != nil {
		storedAt = p.clock.Now()
	}
	msg := crawler.RecordNotification{
		RunID:     p.cfg.RunID,
		Name:      record.Name,
		Category:  record.Category,
		SourceURL: record.SourceURL,
		StoredAt:  storedAt,
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, msg); err != nil {
		p.logger.Warn("record notification failed", zap.String("key", record.Key().String()), zap.Error(err))
	}
}

// Done is closed when Run has returned.
func (p *Persister) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until Run returns or ctx ends.
func (p *Persister) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for persister: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (p *Persister) Stats() Stats {
	return Stats{
		Inserted:   p.inserted.Load(),
		Duplicates: p.duplicates.Load(),
		Failed:     p.failed.Load(),
	}
}
