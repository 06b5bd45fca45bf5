package provider

import (
	"math/rand"
	"time"
)

// Backoff tracks a provider's throttle window: each RateLimited signal
// doubles the delay with jitter up to the cap; any success resets it.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	current time.Duration
	until   time.Time
}

func newBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	return &Backoff{base: base, cap: cap}
}

// Throttled reports whether calls should still be withheld.
func (b *Backoff) Throttled(now time.Time) bool {
	return now.Before(b.until)
}

// Hit registers a throttle signal and extends the window.
func (b *Backoff) Hit(now time.Time) time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else {
		b.current *= 2
		if b.current > b.cap {
			b.current = b.cap
		}
	}
	// Full jitter keeps concurrent providers from hammering in sync.
	delay := time.Duration(rand.Int63n(int64(b.current))) + b.current/2
	if delay > b.cap {
		delay = b.cap
	}
	b.until = now.Add(delay)
	return delay
}

// Reset clears the window after a successful call.
func (b *Backoff) Reset() {
	b.current = 0
	b.until = time.Time{}
}
