// Package ratelimit paces outbound fetches with one token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config holds rate limiter configuration. RPS <= 0 means unlimited and a
// Burst below one is raised to one.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter hands out tokens per host. Buckets are created on first use and
// live as long as the Limiter.
type Limiter struct {
	every   rate.Limit
	burst   int
	buckets sync.Map // host -> *rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{every: rate.Inf, burst: max(cfg.Burst, 1)}
	if cfg.RPS > 0 {
		l.every = rate.Limit(cfg.RPS)
	}
	return l
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	if b, ok := l.buckets.Load(host); ok {
		return b.(*rate.Limiter)
	}
	b, _ := l.buckets.LoadOrStore(host, rate.NewLimiter(l.every, l.burst))
	return b.(*rate.Limiter)
}

// Wait blocks until rawURL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	began := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", host, err)
	}
	if waited := time.Since(began); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Fetcher paces an inner fetcher through a Limiter.
type Fetcher struct {
	next    crawler.Fetcher
	limiter *Limiter
}

// Wrap returns next unchanged when limiter is nil.
func Wrap(next crawler.Fetcher, limiter *Limiter) crawler.Fetcher {
	if limiter == nil {
		return next
	}
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for a token before delegating.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	return f.next.Fetch(ctx, req)
}
