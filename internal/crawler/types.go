package crawler

import (
	"net/http"
	"time"
)

// WorkItem is a unit of crawl work. It is passed by value and never mutated
// after it has been enqueued; a retry is a new WorkItem with Attempt+1.
type WorkItem struct {
	URL      string `json:"url"`
	Category string `json:"category"`
	Attempt  int    `json:"attempt"`
}

// Retry returns a copy of the item for its next attempt.
func (w WorkItem) Retry() WorkItem {
	w.Attempt++
	return w
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL      string
	Category string
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// RecordNotification is published after a record has been stored for the first time.
type RecordNotification struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	SourceURL string    `json:"source_url"`
	StoredAt  time.Time `json:"stored_at"`
}
