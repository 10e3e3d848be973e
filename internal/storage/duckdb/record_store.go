// Package duckdb provides an embedded DuckDB RecordStore.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb" // DuckDB driver

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config locates the database file. An empty Path opens an in-memory database.
type Config struct {
	Path  string
	Table string
}

// RecordStore persists records in a DuckDB file through sqlx.
type RecordStore struct {
	db    *sqlx.DB
	table string
}

// New wraps an open handle. Open is the usual entry point; New lets tests
// inject a mocked connection.
func New(db *sqlx.DB, table string) (*RecordStore, error) {
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{db: db, table: table}, nil
}

// Open opens (or creates) the database file.
func Open(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.Table != "" && !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	db, err := sqlx.ConnectContext(ctx, "duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("connect duckdb %q: %w", cfg.Path, err)
	}
	// DuckDB allows a single writer per file.
	db.SetMaxOpenConns(1)
	return New(db, cfg.Table)
}

// EnsureSchema creates the id sequence and the records table.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	sequence := fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_id_seq;`, s.table)
	if _, err := s.db.ExecContext(ctx, sequence); err != nil && !alreadyExists(err) {
		return fmt.Errorf("create sequence: %w", err)
	}
	table := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id           BIGINT PRIMARY KEY DEFAULT nextval('%[1]s_id_seq'),
    name         VARCHAR(%[2]d) NOT NULL,
    category     VARCHAR(%[3]d) NOT NULL,
    price_range  VARCHAR(%[4]d),
    median_price VARCHAR(%[5]d),
    description  VARCHAR(%[6]d),
    created_at   TIMESTAMP NOT NULL DEFAULT current_timestamp,
    UNIQUE (name, category)
);`, s.table, crawler.MaxNameLen, crawler.MaxCategoryLen, crawler.MaxPriceRangeLen,
		crawler.MaxMedianPriceLen, crawler.MaxDescriptionLen)
	if _, err := s.db.ExecContext(ctx, table); err != nil && !alreadyExists(err) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// Insert stores the record unless its (name, category) already exists.
func (s *RecordStore) Insert(ctx context.Context, record crawler.Record) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (name, category, price_range, median_price, description)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (name, category) DO NOTHING;`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		record.Name,
		record.Category,
		nullable(record.PriceRange),
		nullable(record.MedianPrice),
		nullable(record.Description),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", record.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullable(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, s.table)); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}

type row struct {
	PriceRange  sql.NullString `db:"price_range"`
	MedianPrice sql.NullString `db:"median_price"`
	Description sql.NullString `db:"description"`
}

// Get loads a record by natural key.
func (s *RecordStore) Get(ctx context.Context, key crawler.Key) (crawler.Record, error) {
	var r row
	query := fmt.Sprintf(`SELECT price_range, median_price, description FROM %s WHERE name = ? AND category = ?;`, s.table)
	err := s.db.GetContext(ctx, &r, query, key.Name, key.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Record{}, fmt.Errorf("record %s: %w", key, err)
	}
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return crawler.NewRecord(crawler.RecordFields{
		Name:        key.Name,
		Category:    key.Category,
		PriceRange:  r.PriceRange.String,
		MedianPrice: r.MedianPrice.String,
		Description: r.Description.String,
	})
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close duckdb: %w", err)
	}
	return nil
}
