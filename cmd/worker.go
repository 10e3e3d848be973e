package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// newWorkerCmd is the child side of pool.mode=subprocess. stdout carries the
// worker protocol, so logs go to stderr.
func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve work items over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The parent owns shutdown; a terminal ^C must not kill in-flight items.
			signal.Ignore(os.Interrupt)

			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.NewStderr(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if runID := os.Getenv("CRAWLER_RUN_ID"); runID != "" {
				logger = logger.With(zap.String("parent_run_id", runID))
			}

			a, err := app.New(cmd.Context(), cfg, logger, app.Options{WorkerOnly: true})
			if err != nil {
				return fmt.Errorf("worker startup: %w", err)
			}
			defer func() { _ = a.Close() }()

			return worker.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), a.InProcessor(), a.Logger())
		},
	}
}
