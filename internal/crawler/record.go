package crawler

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidRecord is returned by NewRecord when a field fails validation.
var ErrInvalidRecord = errors.New("invalid record")

// Field length limits enforced at construction.
const (
	MaxNameLen        = 255
	MaxCategoryLen    = 100
	MaxPriceRangeLen  = 50
	MaxMedianPriceLen = 50
	MaxDescriptionLen = 1000
)

// Key is the natural key of a Record.
type Key struct {
	Name     string
	Category string
}

// String renders the key for logs.
func (k Key) String() string {
	return k.Category + "/" + k.Name
}

// Record is one extracted catalog item. Optional fields are nil when the page
// did not carry them. Records are only built through NewRecord.
type Record struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	PriceRange  *string `json:"price_range,omitempty"`
	MedianPrice *string `json:"median_price,omitempty"`
	Description *string `json:"description,omitempty"`

	// SourceURL is the page the record came from. It is not persisted.
	SourceURL string `json:"source_url,omitempty"`
}

// RecordFields is the loosely shaped input to NewRecord. Empty strings mean
// the field is absent.
type RecordFields struct {
	Name        string
	Category    string
	PriceRange  string
	MedianPrice string
	Description string
	SourceURL   string
}

// NewRecord trims and validates fields and returns an immutable Record.
func NewRecord(f RecordFields) (Record, error) {
	name := strings.TrimSpace(f.Name)
	category := strings.TrimSpace(f.Category)
	if name == "" {
		return Record{}, fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if category == "" {
		return Record{}, fmt.Errorf("%w: category is required", ErrInvalidRecord)
	}
	if err := checkLen("name", name, MaxNameLen); err != nil {
		return Record{}, err
	}
	if err := checkLen("category", category, MaxCategoryLen); err != nil {
		return Record{}, err
	}
	priceRange, err := optional("price_range", f.PriceRange, MaxPriceRangeLen)
	if err != nil {
		return Record{}, err
	}
	median, err := optional("median_price", f.MedianPrice, MaxMedianPriceLen)
	if err != nil {
		return Record{}, err
	}
	description, err := optional("description", f.Description, MaxDescriptionLen)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Name:        name,
		Category:    category,
		PriceRange:  priceRange,
		MedianPrice: median,
		Description: description,
		SourceURL:   f.SourceURL,
	}, nil
}

// Key returns the natural key used for deduplication.
func (r Record) Key() Key {
	return Key{Name: r.Name, Category: r.Category}
}

func optional(field, value string, limit int) (*string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if err := checkLen(field, value, limit); err != nil {
		return nil, err
	}
	return &value, nil
}

func checkLen(field, value string, limit int) error {
	if n := utf8.RuneCountInString(value); n > limit {
		return fmt.Errorf("%w: %s exceeds %d characters (%d)", ErrInvalidRecord, field, limit, n)
	}
	return nil
}

// Deref returns the value of an optional field or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
