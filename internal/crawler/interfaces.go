package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns a fetched item page into a Record.
type Extractor interface {
	ExtractRecord(resp FetchResponse, item WorkItem) (Record, error)
}

// ListingParser pulls links out of category and listing pages.
type ListingParser interface {
	ItemLinks(resp FetchResponse) ([]string, error)
	SubcategoryLinks(resp FetchResponse) ([]string, error)
}

// RecordStore persists records idempotently on their natural key.
type RecordStore interface {
	EnsureSchema(ctx context.Context) error
	// Insert stores the record and reports whether a new row was created.
	// A duplicate key returns (false, nil).
	Insert(ctx context.Context, record Record) (bool, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed item is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// MemoryProbe reports resident memory in bytes for a process.
type MemoryProbe interface {
	ResidentMemory(ctx context.Context) (uint64, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
