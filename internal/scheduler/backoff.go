package scheduler

import (
	"math/rand"
	"time"
)

// backoff produces the delay schedule between retry attempts: exponential
// growth from base, capped at max, with multiplicative jitter so retries
// from simultaneous failures spread out.
type backoff struct {
	cur time.Duration
	max time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if max <= 0 {
		max = DefaultRetryMaxDelay
	}
	if max < base {
		max = base
	}
	return &backoff{cur: base, max: max}
}

// next returns the delay before the upcoming retry and advances the schedule.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
