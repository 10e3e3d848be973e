// Package queue provides a bounded FIFO with join semantics: every enqueued
// item raises an unfinished counter that consumers lower with MarkDone, and
// Join blocks until the counter is back at zero.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 2048

var (
	// ErrTimeout is returned by Dequeue when no item arrived in time.
	ErrTimeout = errors.New("queue dequeue timed out")
	// ErrClosed is returned once the queue is closed (and, for Dequeue, empty).
	ErrClosed = errors.New("queue closed")
	// ErrTooManyDone is returned when MarkDone is called more often than items were enqueued.
	ErrTooManyDone = errors.New("queue: MarkDone called more times than Enqueue")
)

// Queue is a bounded, goroutine-safe FIFO with an unfinished-item counter.
type Queue[T any] struct {
	items chan T

	mu         sync.Mutex
	unfinished int
	idle       chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a queue holding at most capacity pending items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		items:  make(chan T, capacity),
		idle:   idle,
		closed: make(chan struct{}),
	}
}

// Enqueue adds an item, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	if err := q.reserve(); err != nil {
		return err
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		q.release()
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.closed:
		q.release()
		return ErrClosed
	}
}

// TryEnqueue adds an item only if there is room right now.
func (q *Queue[T]) TryEnqueue(item T) bool {
	if err := q.reserve(); err != nil {
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		q.release()
		return false
	}
}

// Dequeue pops the next item. It waits at most timeout (forever when
// timeout <= 0) and returns ErrTimeout when nothing arrived.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-expired:
		return zero, ErrTimeout
	case <-q.closed:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// MarkDone acknowledges one dequeued item.
func (q *Queue[T]) MarkDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return ErrTooManyDone
	}
	q.decrementLocked()
	return nil
}

// Join blocks until every enqueued item has been marked done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	}
}

// Abandon removes every pending item, marks each one done and returns how
// many were dropped.
func (q *Queue[T]) Abandon() int {
	dropped := 0
	for {
		select {
		case <-q.items:
			q.release()
			dropped++
		default:
			return dropped
		}
	}
}

// Len reports the number of items waiting to be dequeued.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Unfinished reports enqueued items not yet marked done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Close stops new enqueues. Pending items stay available to Dequeue.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) reserve() error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	return nil
}

func (q *Queue[T]) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.decrementLocked()
}

func (q *Queue[T]) decrementLocked() {
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}
