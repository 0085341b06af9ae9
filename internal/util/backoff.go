package util

import "time"

// Backoff computes capped exponential retry delays. The zero value retries
// immediately.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (0 for the first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for range max(attempt, 0) {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}

// Next returns when retry number attempt is due after last.
func (b Backoff) Next(last time.Time, attempt int) time.Time {
	return last.Add(b.Delay(attempt))
}
