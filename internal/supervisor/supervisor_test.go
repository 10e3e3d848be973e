package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

type fakeMember struct {
	id    int
	state atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func newFakeMember(id int) *fakeMember {
	return &fakeMember{id: id, done: make(chan struct{})}
}

func (m *fakeMember) ID() int { return m.id }
func (m *fakeMember) State() worker.State { return worker.State(m.state.Load()) }
func (m *fakeMember) Done() <-chan struct{} { return m.done }
func (m *fakeMember) Err() error { return nil }
func (m *fakeMember) Stats() worker.Stats { return worker.Stats{} }

func (m *fakeMember) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.set(worker.Terminated)
	case <-m.done:
	}
}

func (m *fakeMember) set(s worker.State) {
	m.state.Store(int32(s))
}

// die simulates the worker stopping on its own.
func (m *fakeMember) die(s worker.State) {
	m.set(s)
	m.once.Do(func() { close(m.done) })
}

type factory struct {
	mu      sync.Mutex
	members []*fakeMember
	fail    bool
}

func (f *factory) build(id int) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("spawn failed")
	}
	m := newFakeMember(id)
	f.members = append(f.members, m)
	return m, nil
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

func (f *factory) member(i int) *fakeMember {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[i]
}

type pending struct {
	n      atomic.Int64
	queued atomic.Int64
	closed atomic.Bool
}

func (p *pending) Unfinished() int { return int(p.n.Load()) }
func (p *pending) Len() int        { return int(p.queued.Load()) }
func (p *pending) Closed() bool    { return p.closed.Load() }

func TestStartCreatesPool(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 3}, f.build, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Equal(t, 3, f.count())
	require.Len(t, s.Snapshot(), 3)
	require.Error(t, s.Start(ctx))

	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, s.Wait(waitCtx))
}

func TestCheckReplacesDeadWorkers(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 2, MaxRestarts: 5, RestartWindow: time.Minute}, f.build, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	f.member(0).die(worker.Terminated)
	f.member(1).die(worker.Failed)
	require.NoError(t, s.Check())
	require.Equal(t, 4, f.count())
	require.Equal(t, 2, s.Restarts())

	for _, st := range s.Snapshot() {
		require.Equal(t, 1, st.Generation)
		require.Equal(t, "idle", st.State)
	}

	require.NoError(t, s.Check())
	require.Equal(t, 4, f.count())
}

func TestCheckLeavesWorkersDeadOnceQueueClosedAndEmpty(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := &pending{}
	p.queued.Store(1)
	p.n.Store(1)
	p.closed.Store(true)
	s := New(Config{Size: 2, MaxRestarts: 1, RestartWindow: time.Minute}, f.build, p, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	// Items still queued behind the close need a live worker.
	f.member(0).die(worker.Failed)
	require.NoError(t, s.Check())
	require.Equal(t, 3, f.count())

	p.queued.Store(0)
	p.n.Store(0)
	f.member(1).die(worker.Terminated)
	f.member(2).die(worker.Terminated)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Check())
	}
	require.Equal(t, 3, f.count())
	require.Equal(t, 1, s.Restarts())
	require.True(t, s.Complete(true))
}

func TestRestartBudgetExceeded(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 1, MaxRestarts: 2, RestartWindow: time.Minute}, f.build, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	for i := 0; i < 2; i++ {
		f.member(f.count() - 1).die(worker.Terminated)
		require.NoError(t, s.Check())
	}
	f.member(f.count() - 1).die(worker.Terminated)
	require.ErrorIs(t, s.Check(), ErrRestartBudgetExceeded)
}

func TestRestartBudgetWindowSlides(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 1, MaxRestarts: 1, RestartWindow: time.Minute}, f.build, nil, zap.NewNop())
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	f.member(0).die(worker.Terminated)
	require.NoError(t, s.Check())

	now = now.Add(2 * time.Minute)
	f.member(1).die(worker.Terminated)
	require.NoError(t, s.Check())
	require.Equal(t, 2, s.Restarts())
}

func TestCompletionRequiresIdleWorkersAndDrainedQueue(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := &pending{}
	s := New(Config{Size: 2}, f.build, p, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.False(t, s.Complete(false))
	require.True(t, s.Complete(true))

	p.n.Store(1)
	require.False(t, s.Complete(true))
	p.n.Store(0)

	f.member(0).set(worker.Publishing)
	require.False(t, s.Complete(true))
	f.member(0).set(worker.Idle)

	f.member(1).die(worker.Terminated)
	require.True(t, s.Complete(true))
}

func TestWatchReturnsOnCompletion(t *testing.T) {
	t.Parallel()

	f := &factory{}
	p := &pending{}
	p.n.Store(1)
	s := New(Config{Size: 1, HealthInterval: 5 * time.Millisecond}, f.build, p, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	producersDone := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Watch(ctx, producersDone) }()

	close(producersDone)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-errCh:
		t.Fatal("watch returned with work outstanding")
	default:
	}

	p.n.Store(0)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not observe completion")
	}
}

func TestWatchEscalatesBudgetFailure(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 1, HealthInterval: 5 * time.Millisecond, MaxRestarts: 1}, f.build, &pending{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	go func() {
		for i := 0; i < 50; i++ {
			f.member(f.count() - 1).die(worker.Failed)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	err := s.Watch(ctx, make(chan struct{}))
	require.ErrorIs(t, err, ErrRestartBudgetExceeded)
}

func TestFactoryFailureCountsAgainstBudget(t *testing.T) {
	t.Parallel()

	f := &factory{}
	s := New(Config{Size: 1, MaxRestarts: 1, RestartWindow: time.Minute}, f.build, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	f.member(0).die(worker.Failed)
	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()
	require.NoError(t, s.Check())
	require.ErrorIs(t, s.Check(), ErrRestartBudgetExceeded)
}
