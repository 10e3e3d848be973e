// Package memory provides in-memory stores for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// RecordStore keeps records in a map keyed by natural key.
type RecordStore struct {
	mu      sync.RWMutex
	records map[crawler.Key]crawler.Record
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[crawler.Key]crawler.Record)}
}

// EnsureSchema is a no-op.
func (s *RecordStore) EnsureSchema(context.Context) error { return nil }

// Insert stores the record unless its key is already present.
func (s *RecordStore) Insert(ctx context.Context, record crawler.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := record.Key()
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = record
	return true, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Records returns every record ordered by category then name.
func (s *RecordStore) Records() []crawler.Record {
	s.mu.RLock()
	out := make([]crawler.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Close is a no-op.
func (s *RecordStore) Close() error { return nil }
