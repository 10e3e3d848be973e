package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
	require.Zero(t, got.Nanosecond()%int(time.Microsecond))
}

func TestClockWithoutPrecision(t *testing.T) {
	t.Parallel()

	var nilClock *Clock
	require.Equal(t, time.UTC, nilClock.Now().Location())
	require.Equal(t, time.UTC, (&Clock{}).Now().Location())
}
