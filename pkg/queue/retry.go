package queue

import "time"

const maxBackoff = time.Minute

// RetryPolicy bounds how many times a job runs and how long it waits between runs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Backoff is the wait after the given failed attempt: base * 2^(attempt-1), capped.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return p.BaseDelay
	}
	if attempt > 30 {
		return maxBackoff
	}
	d := p.BaseDelay * time.Duration(1<<(attempt-1))
	if d > maxBackoff || d < 0 {
		return maxBackoff
	}
	return d
}

// Exhausted reports whether a failure on this attempt ends the job.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
