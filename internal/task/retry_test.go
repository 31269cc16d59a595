package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay_Exponential(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Max: 10 * time.Second, Jitter: 0}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestBackoffPolicy_Delay_CapsAtMax(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Max: 5 * time.Second, Jitter: 0}

	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestBackoffPolicy_Delay_JitterNeverNegative(t *testing.T) {
	p := DefaultBackoffPolicy()

	for attempt := int32(1); attempt <= 5; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestBackoffPolicy_Delay_JitterWithinBound(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.1}

	base := time.Second // attempt 1 -> base*2^0
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+time.Duration(float64(base)*0.1)+time.Millisecond)
	}
}

func TestBackoffPolicy_NextRetryAt(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0}
	before := time.Now().UTC()

	at := p.NextRetryAt(1)

	assert.WithinDuration(t, before.Add(time.Second), at, 50*time.Millisecond)
}
