// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 run ids, optionally prefixed.
type Generator struct {
	Prefix string
}

// New creates a Generator with no prefix.
func New() *Generator {
	return &Generator{}
}

// NewID returns a new run id.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.Prefix + id.String(), nil
}
