package registry

import (
	"math"
	"math/rand"
	"time"
)

type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (rtp *realTimeProvider) Now() time.Time {
	return time.Now()
}

var timeProvider TimeProvider = &realTimeProvider{}

// RetryPolicy controls how transient failures are rescheduled.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// JitterFraction widens each delay by up to +/- this fraction.
	JitterFraction float64
}

func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     maxRetries,
		BaseDelay:      5 * time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.2,
	}
}

// BackoffDelay returns the delay before attempt n (1-based): exponential
// growth from BaseDelay, capped at MaxDelay, with jitter applied last.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction * d
		d += jitter
	}
	return time.Duration(d)
}

// Exhausted reports whether a job that has now failed retryCount times has
// used up its retry budget and should be dead-lettered instead of rescheduled.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}
