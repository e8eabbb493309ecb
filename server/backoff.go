package server

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes accept-retry delays: base * multiplier^attempt, capped at
// max, with +/- jitter.
type backoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

var acceptBackoff = backoff{
	base:       5 * time.Millisecond,
	max:        time.Second,
	multiplier: 2,
	jitter:     0.1,
}

func (b backoff) delay(attempt int) time.Duration {
	if b.base == 0 || b.multiplier == 0 {
		return 0
	}
	d := float64(b.base) * math.Pow(b.multiplier, float64(attempt))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*b.jitter
		if d < 0 {
			d = 0
		}
		if d > float64(b.max) {
			d = float64(b.max)
		}
	}
	return time.Duration(d)
}
