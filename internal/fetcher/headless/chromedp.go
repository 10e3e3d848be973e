// Package headless renders catalog pages in headless Chrome for listings and
// item pages whose content is filled in by client-side JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultReady      = "body"
)

// Config controls the browser.
type Config struct {
	// MaxParallel caps open tabs. Zero means unlimited.
	MaxParallel int
	UserAgent   string
	// NavigationTimeout bounds one page load including rendering.
	NavigationTimeout time.Duration
	// WaitSelector must be present before the DOM is captured.
	WaitSelector string
	// Settle is an extra pause after WaitSelector appears.
	Settle time.Duration
}

// Browser implements crawler.Fetcher with one shared Chrome process and one
// tab per fetch.
type Browser struct {
	cfg    Config
	tabs   *semaphore.Weighted
	alloc  context.Context
	cancel context.CancelFunc
}

// New starts the Chrome allocator. Chrome itself is launched lazily on the
// first fetch.
func New(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultReady
	}
	cfg.Settle = max(cfg.Settle, 0)

	b := &Browser{cfg: cfg}
	if cfg.MaxParallel > 0 {
		b.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	b.alloc, b.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return b, nil
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.cancel()
}

// Fetch loads req.URL in a new tab and returns the rendered DOM. Error
// statuses on the document are reported the same way the static fetcher
// reports them.
func (b *Browser) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if b.tabs != nil {
		if err := b.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer b.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(b.alloc)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, b.cfg.NavigationTimeout)
	defer cancel()
	// Stop the tab when the caller gives up, even though it descends from the allocator.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	began := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		b.prepare(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(b.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(b.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, ctx.Err()
		}
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status, headers, url := doc.result(req.URL, location)
	if err := statusError(req.URL, status); err != nil {
		return crawler.FetchResponse{}, err
	}
	return crawler.FetchResponse{
		URL:          url,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(began),
		UsedHeadless: true,
	}, nil
}

func (b *Browser) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key := range headers {
			// Chrome takes one value per header.
			extra[key] = headers.Get(key)
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
		return nil
	})
}

// statusError mirrors the static fetcher: 4xx other than 408 and 429 is permanent.
func statusError(url string, status int) error {
	if status < http.StatusBadRequest {
		return nil
	}
	err := fmt.Errorf("render %s: status %d", url, status)
	if status < http.StatusInternalServerError &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", err, crawler.ErrPermanent)
	}
	return err
}

// document records the main-frame response seen by the tab.
type document struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *document) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := make(http.Header, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
}

// result falls back to the tab location, then the requested URL, and treats
// a missing document event as 200.
func (d *document) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url, headers := d.status, d.url, d.headers.Clone()
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requested
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}
