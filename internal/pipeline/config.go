package pipeline

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/resource"
	"github.com/JakeFAU/catalog-crawler/internal/source"
	"github.com/JakeFAU/catalog-crawler/internal/supervisor"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// extractSlack covers parsing and enqueueing after the fetch returns.
const extractSlack = 5 * time.Second

// ConfigFrom maps the loaded configuration onto a run Config.
func ConfigFrom(cfg config.Config, runID string) Config {
	itemTimeout := cfg.FetchTimeout() + extractSlack
	if cfg.Headless.Enabled {
		itemTimeout += time.Duration(cfg.Headless.NavTimeoutSec) * time.Second
	}
	return Config{
		RunID: runID,
		Source: source.Config{
			BaseURL:       cfg.Crawler.BaseURL,
			Categories:    cfg.Crawler.Categories,
			Subcategories: cfg.Crawler.Subcategories,
		},
		Worker: worker.Config{
			DequeueTimeout: cfg.Pool.DequeueTimeout,
			MemoryLimit:    resource.Limit(cfg.MemoryLimitBytes()),
			ItemTimeout:    itemTimeout,
		},
		Supervisor: supervisor.Config{
			Size:           cfg.Pool.Size,
			HealthInterval: cfg.Pool.HealthInterval,
			MaxRestarts:    cfg.Pool.MaxRestarts,
			RestartWindow:  cfg.Pool.RestartWindow,
		},
		TaskCapacity:   cfg.Queue.TaskCapacity,
		ResultCapacity: cfg.Queue.ResultCapacity,
		PersistTimeout: cfg.Pool.DequeueTimeout,
		Grace:          cfg.Shutdown.GracePeriod,
	}
}
