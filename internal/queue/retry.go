package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides redelivery delays and the attempt budget for jobs
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor, e.g. 0.2 for +/-20%
	Jitter      float64
	MaxAttempts int
}

// DefaultRetryPolicy is 2s doubling to 60s with 20% jitter, three attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
		MaxAttempts:     3,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}

// Delay returns the wait before redelivering a job that just failed its
// attempt-th attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted reports whether a job has used its attempt budget. A job-level
// MaxAttempts overrides the policy's.
func (p RetryPolicy) Exhausted(job *Job) bool {
	limit := job.MaxAttempts
	if limit <= 0 {
		limit = p.MaxAttempts
	}
	return job.Attempts >= limit
}

// BackOff returns a bounded backoff for inline retries of a single call,
// such as a git provider request
func (p RetryPolicy) BackOff() backoff.BackOff {
	var b backoff.BackOff = p.newBackOff()
	if p.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}
