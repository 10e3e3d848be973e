package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// InProcessConfig controls page archiving and request headers.
type InProcessConfig struct {
	ArchivePrefix string
	ContentType   string
	Headers       http.Header
}

// InProcess runs fetch and extract on the calling goroutine.
type InProcess struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	probe     crawler.MemoryProbe
	archive   crawler.BlobStore
	hasher    crawler.Hasher
	cfg       InProcessConfig
	logger    *zap.Logger
}

// NewInProcess constructs an InProcess processor. archive and hasher may be nil.
func NewInProcess(
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	probe crawler.MemoryProbe,
	archive crawler.BlobStore,
	hasher crawler.Hasher,
	cfg InProcessConfig,
	logger *zap.Logger,
) *InProcess {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcess{
		fetcher:   fetcher,
		extractor: extractor,
		probe:     probe,
		archive:   archive,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process fetches the item page and extracts its record.
func (p *InProcess) Process(ctx context.Context, item crawler.WorkItem, stage StageFunc) (crawler.Record, error) {
	stage(Fetching)
	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:      item.URL,
		Category: item.Category,
		Headers:  p.cfg.Headers,
	})
	if err != nil {
		return crawler.Record{}, fmt.Errorf("fetch %s: %w", item.URL, err)
	}
	metrics.ObserveFetch(resp.URL, resp.StatusCode, len(resp.Body), resp.UsedHeadless, resp.Duration)

	stage(Extracting)
	record, err := p.extractor.ExtractRecord(resp, item)
	if err != nil {
		return crawler.Record{}, err
	}
	p.archivePage(ctx, item, resp)
	return record, nil
}

// archivePage stores the raw body under prefix/category/<sha256>.html.
// Archive failures never fail the item.
func (p *InProcess) archivePage(ctx context.Context, item crawler.WorkItem, resp crawler.FetchResponse) {
	if p.archive == nil || p.hasher == nil {
		return
	}
	digest, err := p.hasher.Hash(resp.Body)
	if err != nil {
		p.logger.Warn("hash page failed", zap.String("url", item.URL), zap.Error(err))
		return
	}
	key := path.Join(p.cfg.ArchivePrefix, item.Category, digest+".html")
	uri, err := p.archive.PutObject(ctx, key, p.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("url", item.URL), zap.String("path", key), zap.Error(err))
		return
	}
	p.logger.Debug("archived page", zap.String("url", item.URL), zap.String("uri", uri))
}

// ResidentMemory returns the RSS of this process.
func (p *InProcess) ResidentMemory(ctx context.Context) (uint64, error) {
	if p.probe == nil {
		return 0, nil
	}
	rss, err := p.probe.ResidentMemory(ctx)
	if err != nil {
		return 0, fmt.Errorf("in-process memory: %w", err)
	}
	return rss, nil
}

// Close is a no-op; the fetcher and extractor are shared across workers.
func (p *InProcess) Close() error {
	return nil
}
