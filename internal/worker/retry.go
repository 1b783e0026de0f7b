package worker

import "time"

// Backoff computes the delay before a retried job becomes claimable again.
// Delays grow exponentially from Base and never exceed Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff for the given completed attempt count. Attempt 0
// (the first failure) waits Base; each further attempt doubles the wait.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}
