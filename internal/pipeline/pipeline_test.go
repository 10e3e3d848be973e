package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
	"github.com/JakeFAU/catalog-crawler/internal/source"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/supervisor"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

const base = "https://shop.test"

// siteFetcher serves canned pages. URLs in hang block until the request
// context ends.
type siteFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	hang   map[string]bool
	called []string
}

func (f *siteFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.called = append(f.called, req.URL)
	body, ok := f.pages[req.URL]
	hang := f.hang[req.URL]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	}
	if !ok {
		body = "<html><body></body></html>"
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *siteFetcher) requested(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.called {
		if c == url {
			return true
		}
	}
	return false
}

func listingPage(slugs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, s := range slugs {
		fmt.Fprintf(&b, `<a href="/marketplace/%s">%s</a>`, s, s)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func itemPage(name string) string {
	return fmt.Sprintf(`<html><body><h1 class="rt-Heading">%s</h1>`+
		`<p class="rt-Text">About %s.</p></body></html>`, name, name)
}

type harness struct {
	fetcher *siteFetcher
	store   *memory.RecordStore
	logs    *observer.ObservedLogs
	p       *Pipeline
}

func newHarness(t *testing.T, fetcher *siteFetcher, subcategories bool, itemTimeout, grace time.Duration) *harness {
	t.Helper()
	store := memory.NewRecordStore()
	html := extract.New(extract.DefaultSelectors())
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), core))
	p := New(Config{
		RunID: "run-test",
		Source: source.Config{
			BaseURL:       base,
			Categories:    []string{"devops"},
			Subcategories: subcategories,
		},
		Worker: worker.Config{DequeueTimeout: 10 * time.Millisecond, ItemTimeout: itemTimeout},
		Supervisor: supervisor.Config{
			Size:           2,
			HealthInterval: 10 * time.Millisecond,
			MaxRestarts:    3,
			RestartWindow:  time.Minute,
		},
		TaskCapacity:   16,
		ResultCapacity: 16,
		PersistTimeout: 10 * time.Millisecond,
		Grace:          grace,
	}, Deps{
		Fetcher: fetcher,
		Parser:  html,
		Store:   store,
		NewProcessor: func(int) (worker.Processor, error) {
			return worker.NewInProcess(fetcher, html, nil, nil, nil, worker.InProcessConfig{}, logger), nil
		},
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.super.Wait(ctx)
	})
	return &harness{fetcher: fetcher, store: store, logs: logs, p: p}
}

func runWithin(t *testing.T, p *Pipeline, ctx context.Context, d time.Duration) (Summary, error) {
	t.Helper()
	type result struct {
		s   Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := p.Run(ctx)
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-time.After(d):
		t.Fatalf("pipeline did not finish within %s", d)
		return Summary{}, nil
	}
}

func hangingBravo() *siteFetcher {
	return &siteFetcher{
		pages: map[string]string{
			base + "/categories/devops":   listingPage("alpha", "bravo", "charlie"),
			base + "/marketplace/alpha":   itemPage("Alpha"),
			base + "/marketplace/charlie": itemPage("Charlie"),
		},
		hang: map[string]bool{base + "/marketplace/bravo": true},
	}
}

// requireOneDrop checks that exactly one terminal failure was logged, for url.
func requireOneDrop(t *testing.T, logs *observer.ObservedLogs, url string) {
	t.Helper()
	dropped := logs.FilterMessage("item dropped")
	require.Equal(t, 1, dropped.Len())
	require.Equal(t, 1, dropped.FilterField(zap.String("url", url)).Len())
	require.Equal(t, zapcore.ErrorLevel, dropped.All()[0].Level)
}

func TestRunPersistsItemsAndSurvivesTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingBravo(), false, 100*time.Millisecond, 5*time.Second)

	summary, err := runWithin(t, h.p, context.Background(), 5*time.Second)
	require.NoError(t, err)

	require.Equal(t, int64(3), summary.Attempted)
	require.Equal(t, int64(2), summary.Extracted)
	require.Equal(t, int64(1), summary.Failed)
	require.Equal(t, int64(2), summary.Persisted)
	require.Equal(t, int64(0), summary.Before)
	require.Equal(t, int64(2), summary.After)
	require.True(t, summary.Shutdown.TasksJoined)
	require.True(t, summary.Shutdown.PersisterStopped)
	require.Zero(t, summary.Shutdown.AbandonedTasks)

	records := h.store.Records()
	require.Len(t, records, 2)
	require.Equal(t, "Alpha", records[0].Name)
	require.Equal(t, "Charlie", records[1].Name)
	require.Equal(t, api.PhaseDone, h.p.Status().Phase)
	requireOneDrop(t, h.logs, base+"/marketplace/bravo")
}

func TestRunRetriesTimeoutThenDropsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingBravo(), false, 50*time.Millisecond, 5*time.Second)
	h.p.deps.Retry = crawler.NewExponentialRetryPolicy(2, 10*time.Millisecond, 20*time.Millisecond)

	summary, err := runWithin(t, h.p, context.Background(), 5*time.Second)
	require.NoError(t, err)

	require.Equal(t, int64(3), summary.Attempted)
	require.Equal(t, int64(2), summary.Persisted)
	require.Equal(t, int64(1), summary.Failed)
	require.Equal(t, int64(2), summary.Retried)
	require.True(t, summary.Shutdown.TasksJoined)
	require.Equal(t, 2, h.logs.FilterMessage("retrying").Len())
	requireOneDrop(t, h.logs, base+"/marketplace/bravo")
}

func TestRunStopsPaginationAtFirstEmptyPage(t *testing.T) {
	t.Parallel()

	root := base + "/categories/devops/monitoring?page=1"
	fetcher := &siteFetcher{
		pages: map[string]string{
			base + "/categories/devops": `<html><body>` +
				`<a class="rt-Link" href="/categories/devops/monitoring?page=1">View more</a></body></html>`,
			root: listingPage("alpha", "bravo"),
			base + "/categories/devops/monitoring?page=2": listingPage("charlie"),
			base + "/marketplace/alpha":                   itemPage("Alpha"),
			base + "/marketplace/bravo":                   itemPage("Bravo"),
			base + "/marketplace/charlie":                 itemPage("Charlie"),
		},
	}
	h := newHarness(t, fetcher, true, time.Second, 5*time.Second)

	summary, err := runWithin(t, h.p, context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(3), summary.Persisted)
	require.Equal(t, int64(3), summary.Source.PagesFetched)
	require.True(t, fetcher.requested(base+"/categories/devops/monitoring?page=3"))
	require.False(t, fetcher.requested(base+"/categories/devops/monitoring?page=4"))
}

func TestRunCountsExistingRecords(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{
		pages: map[string]string{
			base + "/categories/devops": listingPage("alpha"),
			base + "/marketplace/alpha": itemPage("Alpha"),
		},
	}
	h := newHarness(t, fetcher, false, time.Second, 5*time.Second)
	rec, err := crawler.NewRecord(crawler.RecordFields{Name: "Alpha", Category: "devops"})
	require.NoError(t, err)
	_, err = h.store.Insert(context.Background(), rec)
	require.NoError(t, err)

	summary, err := runWithin(t, h.p, context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Before)
	require.Equal(t, int64(1), summary.After)
	require.Equal(t, int64(1), summary.Duplicates)
	require.Zero(t, summary.Persisted)
}

func TestRunInterruptedShutsDownWithinGrace(t *testing.T) {
	t.Parallel()

	fetcher := &siteFetcher{
		pages: map[string]string{
			base + "/categories/devops": listingPage("a", "b", "c", "d"),
		},
		hang: map[string]bool{
			base + "/marketplace/a": true,
			base + "/marketplace/b": true,
			base + "/marketplace/c": true,
			base + "/marketplace/d": true,
		},
	}
	h := newHarness(t, fetcher, false, 500*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if h.fetcher.requested(base+"/marketplace/a") && h.fetcher.requested(base+"/marketplace/b") {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	start := time.Now()
	summary, err := runWithin(t, h.p, ctx, 5*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 450*time.Millisecond)
	require.Equal(t, int64(4), summary.Attempted)
	require.Equal(t, 2, summary.Shutdown.AbandonedTasks)
	require.False(t, summary.Shutdown.TasksJoined)
	require.True(t, summary.Shutdown.PersisterStopped)
}

type failingStore struct{ *memory.RecordStore }

func (failingStore) Count(context.Context) (int64, error) { return 0, errors.New("store unreachable") }

func TestRunFailsWhenStoreUnreachable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteFetcher{}, false, time.Second, time.Second)
	h.p.deps.Store = failingStore{memory.NewRecordStore()}
	_, err := h.p.Run(context.Background())
	require.ErrorContains(t, err, "count records before run")
}

func TestRunEscalatesRestartBudget(t *testing.T) {
	t.Parallel()

	slugs := make([]string, 10)
	for i := range slugs {
		slugs[i] = fmt.Sprintf("item-%d", i)
	}
	fetcher := &siteFetcher{pages: map[string]string{base + "/categories/devops": listingPage(slugs...)}}
	h := newHarness(t, fetcher, false, time.Second, time.Second)
	h.p.deps.NewProcessor = func(int) (worker.Processor, error) {
		return deadProcessor{}, nil
	}

	summary, err := runWithin(t, h.p, context.Background(), 5*time.Second)
	require.ErrorIs(t, err, supervisor.ErrRestartBudgetExceeded)
	require.Equal(t, 3, summary.Restarts)
	require.True(t, summary.Shutdown.WorkersStopped)
	require.Positive(t, summary.Shutdown.AbandonedTasks)
}

// deadProcessor reports a dead child for every item.
type deadProcessor struct{}

func (deadProcessor) Process(context.Context, crawler.WorkItem, worker.StageFunc) (crawler.Record, error) {
	return crawler.Record{}, worker.ErrProcessorDead
}
func (deadProcessor) ResidentMemory(context.Context) (uint64, error) { return 0, nil }
func (deadProcessor) Close() error                                   { return nil }
