package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Message types exchanged with a subprocess worker, one JSON object per line.
const (
	msgProcess = "process"
	msgStage   = "stage"
	msgResult  = "result"
)

// Error kinds carried across the pipe so retry classification survives it.
const (
	errKindPermanent = "permanent"
	errKindInvalid   = "invalid"
)

type wireMessage struct {
	Type    string            `json:"type"`
	Item    *crawler.WorkItem `json:"item,omitempty"`
	Stage   string            `json:"stage,omitempty"`
	Record  *crawler.Record   `json:"record,omitempty"`
	Error   string            `json:"error,omitempty"`
	ErrKind string            `json:"error_kind,omitempty"`
}

func encodeError(err error) (string, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, crawler.ErrInvalidRecord):
		return err.Error(), errKindInvalid
	case errors.Is(err, crawler.ErrPermanent):
		return err.Error(), errKindPermanent
	default:
		return err.Error(), ""
	}
}

func decodeError(msg wireMessage) error {
	if msg.Error == "" {
		return nil
	}
	switch msg.ErrKind {
	case errKindInvalid:
		return fmt.Errorf("worker process: %s: %w", msg.Error, crawler.ErrInvalidRecord)
	case errKindPermanent:
		return fmt.Errorf("worker process: %s: %w", msg.Error, crawler.ErrPermanent)
	default:
		return fmt.Errorf("worker process: %s", msg.Error)
	}
}

// decodeRecord re-validates a record that crossed the pipe.
func decodeRecord(msg wireMessage) (crawler.Record, error) {
	if msg.Record == nil {
		return crawler.Record{}, errors.New("worker process: result without record")
	}
	r := msg.Record
	return crawler.NewRecord(crawler.RecordFields{
		Name:        r.Name,
		Category:    r.Category,
		PriceRange:  crawler.Deref(r.PriceRange),
		MedianPrice: crawler.Deref(r.MedianPrice),
		Description: crawler.Deref(r.Description),
		SourceURL:   r.SourceURL,
	})
}

// Serve is the subprocess side of the protocol. It reads process requests
// from r, runs them through proc one at a time and writes stage and result
// messages to w. It returns nil when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, proc Processor, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec := json.NewDecoder(bufio.NewReader(r))
	out := &lockedEncoder{enc: json.NewEncoder(w)}

	for {
		var req wireMessage
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		if req.Type != msgProcess || req.Item == nil {
			logger.Warn("ignoring unexpected message", zap.String("type", req.Type))
			continue
		}
		item := *req.Item
		stage := func(s State) {
			if err := out.encode(wireMessage{Type: msgStage, Stage: s.String()}); err != nil {
				logger.Warn("stage report failed", zap.Error(err))
			}
		}
		record, err := proc.Process(ctx, item, stage)
		result := wireMessage{Type: msgResult}
		if err != nil {
			result.Error, result.ErrKind = encodeError(err)
		} else {
			result.Record = &record
		}
		if err := out.encode(result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
}

type lockedEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (l *lockedEncoder) encode(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(v)
}
