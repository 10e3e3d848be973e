// Package source discovers item links on category and listing pages and
// feeds them to the task queue.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Enqueuer accepts work items, blocking when the queue is full.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.WorkItem) error
}

// Config selects what to crawl.
type Config struct {
	BaseURL       string
	Categories    []string
	Subcategories bool
}

// Stats counts discovery progress.
type Stats struct {
	PagesFetched        int64 `json:"pages_fetched"`
	LinksEnqueued       int64 `json:"links_enqueued"`
	DuplicateLinks      int64 `json:"duplicate_links"`
	CategoriesFailed    int64 `json:"categories_failed"`
	SubcategoriesFailed int64 `json:"subcategories_failed"`
}

// Source is the producer side of the pipeline.
type Source struct {
	cfg     Config
	fetcher crawler.Fetcher
	parser  crawler.ListingParser
	tasks   Enqueuer
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	pages         atomic.Int64
	enqueued      atomic.Int64
	duplicates    atomic.Int64
	failedCats    atomic.Int64
	failedSubcats atomic.Int64
}

// New constructs a Source.
func New(cfg Config, fetcher crawler.Fetcher, parser crawler.ListingParser, tasks Enqueuer, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{
		cfg:     cfg,
		fetcher: fetcher,
		parser:  parser,
		tasks:   tasks,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// CategoryURL returns the listing page of a category.
func (s *Source) CategoryURL(category string) string {
	return s.cfg.BaseURL + "/categories/" + category
}

// Seed walks every category concurrently. Fetch and parse failures are
// logged and skipped; only an enqueue failure (cancellation or a closed
// queue) is returned.
func (s *Source) Seed(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, category := range s.cfg.Categories {
		g.Go(func() error {
			return s.seedCategory(gctx, category)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	s.logger.Info("seeding finished", zap.Any("stats", s.Stats()))
	return nil
}

func (s *Source) seedCategory(ctx context.Context, category string) error {
	logger := s.logger.With(zap.String("category", category))
	pageURL := s.CategoryURL(category)
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Category: category})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.failedCats.Add(1)
		logger.Error("category page failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	s.pages.Add(1)

	links, err := s.parser.ItemLinks(resp)
	if err != nil {
		s.failedCats.Add(1)
		logger.Error("category links failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	if err := s.enqueueAll(ctx, links, category); err != nil {
		return err
	}
	logger.Info("category page processed", zap.Int("links", len(links)))

	if !s.cfg.Subcategories {
		return nil
	}
	roots, err := s.parser.SubcategoryLinks(resp)
	if err != nil {
		logger.Error("subcategory discovery failed", zap.Error(err))
		return nil
	}
	for _, root := range roots {
		if err := s.walkSubcategory(ctx, root, category, logger); err != nil {
			return err
		}
	}
	return nil
}

// walkSubcategory pages through one listing root until it is exhausted. A
// page error ends this subcategory only.
func (s *Source) walkSubcategory(ctx context.Context, root, category string, logger *zap.Logger) error {
	logger = logger.With(zap.String("subcategory", root))
	p := NewPaginator(root, s.fetcher, s.parser)
	for {
		links, err := p.Next(ctx)
		if errors.Is(err, ErrExhausted) {
			logger.Info("subcategory exhausted", zap.Int("pages", p.Page()-1))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.failedSubcats.Add(1)
			logger.Error("subcategory aborted", zap.Int("page", p.Page()), zap.Error(err))
			return nil
		}
		s.pages.Add(1)
		if err := s.enqueueAll(ctx, links, category); err != nil {
			return err
		}
		logger.Debug("listing page processed", zap.Int("page", p.Page()), zap.Int("links", len(links)))
	}
}

func (s *Source) enqueueAll(ctx context.Context, links []string, category string) error {
	for _, link := range links {
		if !s.firstSighting(category, link) {
			s.duplicates.Add(1)
			continue
		}
		if err := s.tasks.Enqueue(ctx, crawler.WorkItem{URL: link, Category: category}); err != nil {
			return fmt.Errorf("enqueue %s: %w", link, err)
		}
		s.enqueued.Add(1)
	}
	return nil
}

// firstSighting de-duplicates links per category, matching the record key.
func (s *Source) firstSighting(category, link string) bool {
	normalized, err := crawler.NormalizeURL(link)
	if err != nil {
		normalized = link
	}
	key := category + " " + normalized
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Stats returns the current counters.
func (s *Source) Stats() Stats {
	return Stats{
		PagesFetched:        s.pages.Load(),
		LinksEnqueued:       s.enqueued.Load(),
		DuplicateLinks:      s.duplicates.Load(),
		CategoriesFailed:    s.failedCats.Load(),
		SubcategoriesFailed: s.failedSubcats.Load(),
	}
}
