package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
)

type pageFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	fail   map[string]bool
	called []string
}

func (f *pageFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, req.URL)
	if f.fail[req.URL] {
		return crawler.FetchResponse{}, errors.New("connection refused")
	}
	body, ok := f.pages[req.URL]
	if !ok {
		body = "<html><body></body></html>"
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *pageFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.called...)
}

type sliceQueue struct {
	mu    sync.Mutex
	items []crawler.WorkItem
	err   error
}

func (q *sliceQueue) Enqueue(_ context.Context, item crawler.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *sliceQueue) urls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.Category+" "+it.URL)
	}
	sort.Strings(out)
	return out
}

func listing(hrefs ...string) string {
	body := "<html><body>"
	for _, h := range hrefs {
		body += fmt.Sprintf(`<a href="%s">item</a>`, h)
	}
	return body + `</body></html>`
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		root string
		n    int
		want string
	}{
		{"https://www.vendr.com/categories/devops/monitoring?page=1", 3, "https://www.vendr.com/categories/devops/monitoring?page=3"},
		{"https://www.vendr.com/categories/devops/monitoring?page=12", 2, "https://www.vendr.com/categories/devops/monitoring?page=2"},
		{"https://x.test/catalogue/page/1", 2, "https://x.test/catalogue/page/2"},
		{"https://x.test/categories/web3", 2, "https://x.test/categories/web3?page=2"},
		{"https://x.test/categories/devops?sort=asc", 4, "https://x.test/categories/devops?page=4&sort=asc"},
	}
	for _, tc := range cases {
		got, err := PageURL(tc.root, tc.n)
		require.NoError(t, err, tc.root)
		require.Equal(t, tc.want, got, tc.root)
	}

	_, err := PageURL("https://x.test", 0)
	require.Error(t, err)
}

func TestPaginatorStopsAtFirstEmptyPage(t *testing.T) {
	t.Parallel()

	root := "https://x.test/categories/devops/ci?page=1"
	f := &pageFetcher{pages: map[string]string{
		"https://x.test/categories/devops/ci?page=1": listing("/marketplace/a", "/marketplace/b"),
		"https://x.test/categories/devops/ci?page=2": listing("/marketplace/c"),
		"https://x.test/categories/devops/ci?page=4": listing("/marketplace/never"),
	}}
	p := NewPaginator(root, f, extract.New(extract.Selectors{}))
	ctx := context.Background()

	links, err := p.Next(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)

	links, err = p.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"https://x.test/marketplace/c"}, links)

	_, err = p.Next(ctx)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 3, p.Page())

	_, err = p.Next(ctx)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, f.calls(), 3)
}

func TestPaginatorErrorEndsCursor(t *testing.T) {
	t.Parallel()

	root := "https://x.test/c/page/1"
	f := &pageFetcher{
		pages: map[string]string{"https://x.test/c/page/1": listing("/marketplace/a")},
		fail:  map[string]bool{"https://x.test/c/page/2": true},
	}
	p := NewPaginator(root, f, extract.New(extract.Selectors{}))

	_, err := p.Next(context.Background())
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrExhausted)
	_, err = p.Next(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, f.calls(), 2)
}

const categoryDevops = `<html><body>
<a href="/marketplace/datadog">Datadog</a>
<a href="/marketplace/pagerduty">PagerDuty</a>
<a href="/marketplace/datadog#pricing">Datadog pricing</a>
<a class="rt-Link" href="/categories/devops/monitoring?page=1"><span>View more</span></a>
<a class="rt-Link" href="/categories/devops/broken?page=1"><span>View more</span></a>
</body></html>`

func TestSeedEnqueuesCategoryAndSubcategoryItems(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{
		pages: map[string]string{
			"https://x.test/categories/devops":                   categoryDevops,
			"https://x.test/categories/devops/monitoring?page=1": listing("/marketplace/datadog", "/marketplace/grafana"),
			"https://x.test/categories/devops/monitoring?page=2": listing("/marketplace/newrelic"),
			"https://x.test/categories/it-infrastructure":        listing("/marketplace/datadog"),
		},
		fail: map[string]bool{
			"https://x.test/categories/devops/broken?page=1": true,
			"https://x.test/categories/missing":              true,
		},
	}
	q := &sliceQueue{}
	s := New(Config{
		BaseURL:       "https://x.test/",
		Categories:    []string{"devops", "it-infrastructure", "missing"},
		Subcategories: true,
	}, f, extract.New(extract.Selectors{}), q, zap.NewNop())

	require.NoError(t, s.Seed(context.Background()))
	require.Equal(t, []string{
		"devops https://x.test/marketplace/datadog",
		"devops https://x.test/marketplace/grafana",
		"devops https://x.test/marketplace/newrelic",
		"devops https://x.test/marketplace/pagerduty",
		"it-infrastructure https://x.test/marketplace/datadog",
	}, q.urls())

	stats := s.Stats()
	require.Equal(t, int64(5), stats.LinksEnqueued)
	require.Equal(t, int64(1), stats.DuplicateLinks)
	require.Equal(t, int64(1), stats.CategoriesFailed)
	require.Equal(t, int64(1), stats.SubcategoriesFailed)
	require.Equal(t, int64(4), stats.PagesFetched)
}

func TestSeedWithoutSubcategories(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{
		"https://x.test/categories/devops": categoryDevops,
	}}
	q := &sliceQueue{}
	s := New(Config{BaseURL: "https://x.test", Categories: []string{"devops"}}, f, extract.New(extract.Selectors{}), q, zap.NewNop())

	require.NoError(t, s.Seed(context.Background()))
	require.Len(t, q.urls(), 2)
	require.Len(t, f.calls(), 1)
}

func TestSeedReturnsEnqueueFailure(t *testing.T) {
	t.Parallel()

	f := &pageFetcher{pages: map[string]string{
		"https://x.test/categories/devops": categoryDevops,
	}}
	q := &sliceQueue{err: errors.New("queue closed")}
	s := New(Config{BaseURL: "https://x.test", Categories: []string{"devops"}}, f, extract.New(extract.Selectors{}), q, zap.NewNop())

	require.Error(t, s.Seed(context.Background()))
}
