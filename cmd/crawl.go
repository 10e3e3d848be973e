package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/api"
	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/pipeline"
)

const progressInterval = 250 * time.Millisecond

func newCrawlCmd(root *rootOptions) *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured categories into the store",
		Long: `Seeds the task queue from every configured category, runs the worker pool
until all discovered items are handled and persists new records. SIGINT or
SIGTERM start an orderly shutdown bounded by shutdown.grace_period.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), root.configPath, showProgress, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", false, "show a progress bar on stderr")
	return cmd
}

func runCrawl(ctx context.Context, configPath string, showProgress bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{ConfigPath: configPath})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing services", zap.Error(err))
		}
	}()

	p := pipeline.New(pipeline.ConfigFrom(cfg, a.RunID()), pipeline.Deps{
		Fetcher:      a.Fetcher(),
		Parser:       a.Parser(),
		Store:        a.Store(),
		Publisher:    a.Publisher(),
		Clock:        a.Clock(),
		Retry:        a.Retry(),
		NewProcessor: a.NewProcessor,
	}, a.Logger())

	if cfg.Server.Addr != "" {
		stopServer := startServer(ctx, p, cfg.Server.Addr, a.Logger())
		defer stopServer()
	}
	if showProgress {
		stopBar := startProgress(p, out)
		defer stopBar()
	}

	summary, runErr := p.Run(ctx)
	a.Logger().Info("crawl summary",
		zap.Int64("attempted", summary.Attempted),
		zap.Int64("extracted", summary.Extracted),
		zap.Int64("failed", summary.Failed),
		zap.Int64("retried", summary.Retried),
		zap.Int64("persisted", summary.Persisted),
		zap.Int64("duplicates", summary.Duplicates),
		zap.Int64("store_failures", summary.StoreFails),
		zap.Int64("records_before", summary.Before),
		zap.Int64("records_after", summary.After),
		zap.Int("restarts", summary.Restarts),
		zap.Int("abandoned_tasks", summary.Shutdown.AbandonedTasks),
		zap.Int("abandoned_results", summary.Shutdown.AbandonedResults),
		zap.Duration("elapsed", summary.Elapsed),
	)
	if runErr != nil {
		a.Logger().Error("crawl failed", zap.Error(runErr))
		return runErr
	}
	return nil
}

// startServer keeps serving through the shutdown so /status shows the drain.
func startServer(ctx context.Context, p *pipeline.Pipeline, addr string, logger *zap.Logger) func() {
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := api.NewServer(p, logger.Named("api")).ListenAndServe(srvCtx, addr); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func startProgress(p *pipeline.Pipeline, out io.Writer) func() {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	update := func() {
		pr := p.Progress()
		if pr.Enqueued > 0 {
			bar.ChangeMax64(pr.Enqueued)
		}
		_ = bar.Set64(pr.Completed)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				update()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		update()
		_ = bar.Finish()
		fmt.Fprintln(out)
	}
}
