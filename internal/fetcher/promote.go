// Package fetcher composes the static and headless fetchers.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Detector decides whether a static response needs a browser render.
type Detector interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Promoting fetches statically and re-fetches through a headless browser
// when the detector flags the static body.
type Promoting struct {
	static   crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. A nil headless fetcher returns static unchanged.
func NewPromoting(static, headless crawler.Fetcher, detector Detector, logger *zap.Logger) crawler.Fetcher {
	if headless == nil || detector == nil {
		return static
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{static: static, headless: headless, detector: detector, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := p.static.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !p.detector.ShouldPromote(resp) {
		return resp, nil
	}
	p.logger.Debug("promoting to headless fetch", zap.String("url", req.URL), zap.Int("static_bytes", len(resp.Body)))
	rendered, err := p.headless.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("headless promotion: %w", err)
	}
	return rendered, nil
}
