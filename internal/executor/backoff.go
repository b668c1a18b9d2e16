package executor

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff is exponential backoff with jitter, scoped to one execution.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempt    int
}

func (b *backoff) next() time.Duration {
	delay := float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	if b.jitter > 0 {
		spread := delay * b.jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = float64(b.initial)
	}
	b.attempt++
	return time.Duration(delay)
}
