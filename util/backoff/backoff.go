package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with configurable parameters.
// It provides a simple way to retry operations with increasing delays.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       time.Duration
	rng          *rand.Rand
	currentDelay time.Duration
}

// New creates a new Backoff with the specified parameters.
// initialDelay is the delay before the first retry.
// maxDelay is the maximum delay between retries.
// multiplier is the factor by which the delay increases after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// NewWithJitter creates a Backoff that adds a uniformly random amount in
// [0, jitter) to every wait. The rng may be nil, in which case the global
// math/rand source is used. Jitter keeps independent nodes from retrying in
// lockstep.
func NewWithJitter(initialDelay, maxDelay time.Duration, multiplier float64, jitter time.Duration, rng *rand.Rand) *Backoff {
	b := New(initialDelay, maxDelay, multiplier)
	b.jitter = jitter
	b.rng = rng
	return b
}

// Wait waits for the current backoff duration, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context was cancelled.
// After a successful wait, the backoff duration is increased for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	delay := b.currentDelay
	if b.jitter > 0 {
		delay += b.randDuration(b.jitter)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		// Increase delay for next retry
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
// This is useful when starting a new retry sequence.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

func (b *Backoff) randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if b.rng != nil {
		return time.Duration(b.rng.Int63n(int64(max)))
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// DelayForRetry computes the delay for the n-th consecutive failure using a
// doubling schedule: base * 2^(min(retryCount, capExp)-1). A retryCount of
// zero means the peer has never failed and no delay is needed.
func DelayForRetry(retryCount, capExp int, base time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	n := retryCount
	if n > capExp {
		n = capExp
	}
	return base * time.Duration(1<<uint(n-1))
}
