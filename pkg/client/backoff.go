package client

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the jittered exponential delay between reconnect
// attempts.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff reconnects at 1s, 2s, 4s ... capped at 30s with 10% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Factor: 2,
		Jitter: 0.1,
	}
}

// Delay computes the wait before the given attempt. Attempts start at 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand takes the random value as a parameter so tests are
// deterministic.
func (p BackoffPolicy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Base) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Cap), base+jitter)
	return time.Duration(total)
}
