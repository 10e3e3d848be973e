package crawler

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// ExponentialRetryPolicy implements RetryPolicy. Delays double per attempt
// up to a cap, and each delay is drawn from its upper half.
type ExponentialRetryPolicy struct {
	maxRetries int
	base       time.Duration
	ceiling    time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries additional
// attempts after the first. maxRetries <= 0 disables retries entirely.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = max(defaultMaxDelay, baseDelay)
	}
	return &ExponentialRetryPolicy{maxRetries: maxRetries, base: baseDelay, ceiling: maxDelay}
}

// ShouldRetry reports whether attempt (zero-based) may be followed by another.
// Cancellation, permanent fetch errors and invalid records are final; a
// timeout is not.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	switch {
	case p == nil, err == nil, attempt >= p.maxRetries:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, ErrPermanent), errors.Is(err, ErrInvalidRecord):
		return false
	}
	return true
}

// Backoff returns the pause before attempt+1.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.base
	for i := 0; i < attempt && delay < p.ceiling; i++ {
		delay *= 2
	}
	delay = min(delay, p.ceiling)
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half+1)
}
