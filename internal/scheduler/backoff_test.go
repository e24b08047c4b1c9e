package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	b := newBackoff(100*time.Millisecond, time.Second)

	// Nominal delays double from base up to the cap; jitter stays within
	// [0.8, 1.2] of nominal.
	nominals := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, nominal := range nominals {
		d := b.next()
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)
		assert.GreaterOrEqual(t, d, lo, "delay %d", i)
		assert.LessOrEqual(t, d, hi, "delay %d", i)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := newBackoff(0, 0)
	assert.Equal(t, DefaultRetryBaseDelay, b.cur)
	assert.Equal(t, DefaultRetryMaxDelay, b.max)

	// A cap below the base is raised to the base.
	b = newBackoff(time.Second, time.Millisecond)
	assert.Equal(t, time.Second, b.max)
}
