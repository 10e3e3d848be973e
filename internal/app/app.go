// Package app builds the long-lived services of a crawl run from Config and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/headless/detector"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/resource"
	"github.com/JakeFAU/catalog-crawler/internal/storage/duckdb"
	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// Options adjust how the App is assembled.
type Options struct {
	// ConfigPath is forwarded to subprocess workers.
	ConfigPath string
	// Executable overrides the binary launched for subprocess workers.
	Executable string
	// WorkerOnly skips the store and publisher; used by the worker subcommand.
	WorkerOnly bool
}

type closer struct {
	name string
	fn   func() error
}

// App holds the services shared by every component of a run.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	runID     string
	store     crawler.RecordStore
	archive   crawler.BlobStore
	publisher crawler.Publisher
	fetcher   crawler.Fetcher
	extractor *extract.HTML
	retry     crawler.RetryPolicy
	clock     crawler.Clock
	hasher    crawler.Hasher

	closers []closer
}

// New initializes every service. It fails fast, releasing anything already
// opened, when a dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		extractor: extract.New(extract.DefaultSelectors()),
		clock:     system.New(),
		hasher:    &sha256.Hasher{Length: 32},
		retry: crawler.NewExponentialRetryPolicy(
			cfg.HTTP.MaxRetries,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
	}
	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed init", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	runID, err := (&uuid.Generator{Prefix: "run-"}).NewID()
	if err != nil {
		return err
	}
	a.runID = runID
	a.logger = a.logger.With(zap.String("run_id", runID))
	if a.cfg.MemoryLimitIgnored() {
		a.logger.Warn("per-worker memory limit disabled in in-process mode",
			zap.Int("memory_limit_mb", a.cfg.Pool.MemoryLimitMB),
			zap.String("pool_mode", a.cfg.Pool.Mode))
	}

	if err := a.initFetcher(); err != nil {
		return err
	}
	if err := a.initArchive(ctx); err != nil {
		return err
	}
	if a.opts.WorkerOnly {
		return nil
	}

	store, err := OpenStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = store
	a.onClose("store", store.Close)

	if a.cfg.PubSub.TopicName != "" {
		pub, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		a.publisher = pub
		a.onClose("pubsub", pub.Close)
		a.logger.Info("publishing new records", zap.String("topic", a.cfg.PubSub.TopicName))
	}
	return nil
}

func (a *App) initFetcher() error {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
	})
	var chain crawler.Fetcher = static
	if a.cfg.Headless.Enabled {
		browser, err := headless.New(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			WaitSelector:      "body",
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		a.onClose("headless", func() error {
			browser.Close()
			return nil
		})
		chain = fetcher.NewPromoting(static, browser, detector.NewHeuristic(a.cfg.Headless.PromoteBodyBytes), a.logger)
	}
	if a.cfg.RateLimit.RPS > 0 {
		chain = ratelimit.Wrap(chain, ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.RateLimit.RPS,
			Burst: a.cfg.RateLimit.Burst,
		}))
	}
	a.fetcher = chain
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "", "none":
		return nil
	case "memory":
		a.archive = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = store
		a.onClose("gcs", store.Close)
	default:
		return fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
	a.logger.Info("archiving item pages", zap.String("provider", a.cfg.Archive.Provider))
	return nil
}

// OpenStore opens the configured record store and ensures its schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (crawler.RecordStore, error) {
	var (
		store crawler.RecordStore
		err   error
	)
	switch cfg.Driver {
	case "duckdb":
		store, err = duckdb.Open(ctx, duckdb.Config{Path: cfg.Path, Table: cfg.Table})
	case "postgres":
		store, err = postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
	case "memory":
		store = memory.NewRecordStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Config returns the validated configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID identifies this run in logs and notifications.
func (a *App) RunID() string { return a.runID }

// Store returns the record store. It is nil for worker-only apps.
func (a *App) Store() crawler.RecordStore { return a.store }

// Publisher returns the notification publisher, or nil when disabled.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// Fetcher returns the full fetch chain.
func (a *App) Fetcher() crawler.Fetcher { return a.fetcher }

// Parser returns the listing page parser.
func (a *App) Parser() crawler.ListingParser { return a.extractor }

// Retry returns the item retry policy.
func (a *App) Retry() crawler.RetryPolicy { return a.retry }

// Clock returns the wall clock.
func (a *App) Clock() crawler.Clock { return a.clock }

// InProcessor builds a processor that runs on the calling goroutine.
func (a *App) InProcessor() *worker.InProcess {
	return worker.NewInProcess(
		a.fetcher,
		a.extractor,
		resource.NewSelfProbe(),
		a.archive,
		a.hasher,
		worker.InProcessConfig{
			ArchivePrefix: a.cfg.Archive.Prefix,
			ContentType:   a.cfg.Archive.ContentType,
		},
		a.logger.Named("processor"),
	)
}

// NewProcessor builds the processor for worker slot id according to pool.mode.
func (a *App) NewProcessor(id int) (worker.Processor, error) {
	if a.cfg.Pool.Mode != config.ModeSubprocess {
		return a.InProcessor(), nil
	}
	proc, err := worker.StartSubprocess(a.subprocessConfig(), a.logger.With(zap.Int("worker_id", id)))
	if err != nil {
		return nil, fmt.Errorf("start worker process %d: %w", id, err)
	}
	return proc, nil
}

func (a *App) subprocessConfig() worker.SubprocessConfig {
	args := []string{"worker"}
	if a.opts.ConfigPath != "" {
		args = append(args, "--config", a.opts.ConfigPath)
	}
	return worker.SubprocessConfig{
		Path: a.opts.Executable,
		Args: args,
		Env:  []string{"CRAWLER_RUN_ID=" + a.runID},
	}
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
