// Package collyfetcher fetches catalog pages over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates larger bodies. Zero keeps colly's default.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher. Every Fetch runs on a clone of one base
// collector so the HTTP transport and its connection pool are shared.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.AllowURLRevisit())
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	})
	return &Fetcher{cfg: cfg, base: base}
}

// visit collects the outcome of one collector run.
type visit struct {
	req    crawler.FetchRequest
	began  time.Time
	resp   crawler.FetchResponse
	err    error
	status int
}

func (v *visit) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(v.req, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.resp = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.began),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		v.err = err
		if r != nil {
			v.status = r.StatusCode
		}
	})
}

// result folds the visit into the Fetch return values.
func (v *visit) result(visitErr error) (crawler.FetchResponse, error) {
	err := visitErr
	if err == nil {
		err = v.err
	}
	switch {
	case err == nil:
		return v.resp, nil
	case permanentStatus(v.status):
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: status %d: %w", v.req.URL, v.status, crawler.ErrPermanent)
	default:
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", v.req.URL, err)
	}
}

// Fetch performs one GET. Returning early on ctx leaves the collector
// goroutine to finish against its own request timeout.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	c := f.base.Clone()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = f.cfg.MaxBodyBytes
	}
	c.SetRequestTimeout(f.cfg.Timeout)

	v := &visit{req: req, began: time.Now()}
	v.attach(c)

	type outcome struct {
		resp crawler.FetchResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := v.result(c.Visit(req.URL))
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	case out := <-done:
		return out.resp, out.err
	}
}

// permanentStatus reports client errors that a retry will not fix.
func permanentStatus(code int) bool {
	if code < http.StatusBadRequest || code >= http.StatusInternalServerError {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

func copyHeaders(req crawler.FetchRequest, r *colly.Request) {
	for key, values := range req.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
