// Package listener implements the queue-trigger listener: adaptive polling,
// concurrency-governed dispatch, visibility renewal, and scale voting.
package listener

import (
	"fmt"
	"math/rand"
	"time"
)

// Polling interval bounds for the backoff strategy.
const (
	MinimumPollingInterval    = 100 * time.Millisecond
	DefaultMaxPollingInterval = time.Minute
)

// RandomizedExponentialBackoff produces poll delays that grow exponentially
// with uniform jitter on empty or failed polls and reset on success.
//
// Next must not be called concurrently with itself; each listener owns one
// instance driven only from its poll loop.
type RandomizedExponentialBackoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
	rand    *rand.Rand
}

// NewRandomizedExponentialBackoff creates a backoff strategy over [min, max].
func NewRandomizedExponentialBackoff(min, max time.Duration) (*RandomizedExponentialBackoff, error) {
	if min < time.Millisecond {
		return nil, fmt.Errorf("minimum interval %v must be at least 1ms", min)
	}
	if max < min {
		return nil, fmt.Errorf("maximum interval %v must not be less than minimum %v", max, min)
	}
	return &RandomizedExponentialBackoff{
		min:  min,
		max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Next returns the next poll delay. A successful poll resets the delay to the
// minimum; otherwise the delay grows by a fresh random factor in (1.0, 2.0],
// clamped to the maximum. The first failed call returns the minimum.
func (b *RandomizedExponentialBackoff) Next(succeeded bool) time.Duration {
	if succeeded || b.current == 0 {
		b.current = b.min
		return b.current
	}

	factor := 2.0 - b.rand.Float64()
	next := time.Duration(float64(b.current) * factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return b.current
}
