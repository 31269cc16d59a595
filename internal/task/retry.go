package task

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy implements exponential backoff with jitter:
// delay = min(max, base * multiplier^(attempt-1)) + U(0, delay*jitter).
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// DefaultBackoffPolicy is 1s doubling up to an hour with 10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       1 * time.Second,
		Multiplier: 2,
		Max:        3600 * time.Second,
		Jitter:     0.1,
	}
}

// Delay returns the backoff duration to apply for the given 1-based
// attempt count (the attempt that just failed).
func (p BackoffPolicy) Delay(attemptCount int32) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attemptCount-1))
	if max := float64(p.Max); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// NextRetryAt returns the scheduled_at timestamp for a retried task.
func (p BackoffPolicy) NextRetryAt(attemptCount int32) time.Time {
	return time.Now().UTC().Add(p.Delay(attemptCount))
}
