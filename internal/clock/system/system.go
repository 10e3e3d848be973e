// Package system provides the wall clock used for notification timestamps.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to Precision,
// which defaults to a microsecond to match what Postgres and DuckDB store.
type Clock struct {
	Precision time.Duration
}

// New returns a Clock with microsecond precision.
func New() *Clock {
	return &Clock{Precision: time.Microsecond}
}

// Now returns the current UTC time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c == nil || c.Precision <= 0 {
		return now
	}
	return now.Truncate(c.Precision)
}
