package internal

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from a base delay
// up to a cap, with random jitter applied to each delay. The zero value is
// not usable; use NewBackoff.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	current time.Duration
}

// NewBackoff returns a Backoff starting at base, doubling up to max, with
// each delay perturbed by ±jitter (a fraction, e.g. 0.2 for ±20%).
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{base: base, max: max, jitter: jitter, current: base}
}

// Next returns the delay to wait before the next attempt and advances the
// backoff state.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	// jitter in [-b.jitter, +b.jitter]
	f := 1 + b.jitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * f)
	if d < 0 {
		d = 0
	}
	return d
}

// Reset returns the backoff to its base delay. Call after a successful
// connection so the next failure starts the schedule over.
func (b *Backoff) Reset() {
	b.current = b.base
}
