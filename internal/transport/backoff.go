// ABOUTME: Jittered exponential backoff for transport reconnects.
// ABOUTME: Base delay doubles per consecutive failure up to a capped ceiling.

package transport

import (
	"math/rand"
	"time"
)

// Default backoff constants. The stream path talks to a single gateway
// and tolerates longer outages; the broker is historically the more
// available channel, so its ceiling is shorter.
const (
	DefaultBase      = time.Second
	DefaultStreamCap = 60 * time.Second
	DefaultPubSubCap = 30 * time.Second

	// jitterFraction spreads retry times +/-20% to avoid a thundering
	// herd against a single gateway after a shared outage.
	jitterFraction = 0.2
)

// Backoff computes reconnect delays: base doubling per failure, capped,
// jittered. The zero value is not usable; construct with NewBackoff.
type Backoff struct {
	base time.Duration
	cap  time.Duration
	rand func() float64 // in [0,1); replaceable for tests
}

// NewBackoff creates a backoff policy. Non-positive arguments fall back
// to the defaults.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultStreamCap
	}
	return &Backoff{base: base, cap: cap, rand: rand.Float64}
}

// Next returns the delay before the next attempt given the number of
// consecutive failures so far. Zero failures means retry immediately.
func (b *Backoff) Next(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}

	d := b.base
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if d >= b.cap {
			d = b.cap
			break
		}
	}
	if d > b.cap {
		d = b.cap
	}

	// Jitter in [-jitterFraction, +jitterFraction] of the delay.
	spread := float64(d) * jitterFraction
	offset := (b.rand()*2 - 1) * spread
	jittered := time.Duration(float64(d) + offset)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// Cap returns the configured ceiling.
func (b *Backoff) Cap() time.Duration {
	return b.cap
}
