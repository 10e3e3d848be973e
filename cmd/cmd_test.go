package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/app"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootListsCommands(t *testing.T) {
	out, err := execute(t, "", "--help")
	require.NoError(t, err)
	require.Contains(t, out, "crawl")
	require.Contains(t, out, "count")
	require.NotContains(t, out, "Serve work items")
}

func TestCountPrintsStoredRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "products.duckdb")
	path := writeConfig(t, fmt.Sprintf("store:\n  driver: duckdb\n  path: %s\n", dbPath))

	ctx := context.Background()
	store, err := app.OpenStore(ctx, config.StoreConfig{Driver: "duckdb", Path: dbPath, Table: "products"})
	require.NoError(t, err)
	for _, name := range []string{"Datadog", "Grafana"} {
		rec, err := crawler.NewRecord(crawler.RecordFields{Name: name, Category: "devops"})
		require.NoError(t, err)
		_, err = store.Insert(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	out, err := execute(t, "", "count", "--config", path)
	require.NoError(t, err)
	require.Equal(t, "2\n", out)
}

func TestCrawlRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "pool:\n  size: 0\n")
	_, err := execute(t, "", "crawl", "--config", path)
	require.ErrorContains(t, err, "pool.size")
}

func TestWorkerExitsOnClosedInput(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\nlogging:\n  level: error\n")
	out, err := execute(t, "", "worker", "--config", path)
	require.NoError(t, err)
	require.Empty(t, out)
}
