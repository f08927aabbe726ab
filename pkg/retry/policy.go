// Package retry computes exponential retry schedules for background work.
package retry

import (
	"time"

	"github.com/jpillora/backoff"
)

// Policy doubles the delay per attempt between Base and Max.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{
		Min:    p.Base,
		Max:    p.Max,
		Factor: 2,
		Jitter: p.Jitter,
	}
	return b.ForAttempt(float64(attempt))
}

// Next returns when the attempt after `attempts` prior failures may run.
func (p Policy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
