// Package retry provides the bounded exponential backoff used by the append
// retry path and by the Postgres notifier's reconnect loop. It has no
// dependency on the store package so both can share it without an import
// cycle.
package retry

import (
	"context"
	"time"
)

// Backoff produces a sequence of delays starting at Min, growing by Factor
// each step, capped at Max. Delay and Sleep do not enforce MaxAttempts;
// callers that bound their loops compare against it themselves.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// NewAppendBackoff matches spec.md §4.2's retry policy: exponential backoff
// factor 1.05, 0ms minimum, 50ms maximum, up to 200 attempts.
func NewAppendBackoff() Backoff {
	return Backoff{Min: 0, Max: 50 * time.Millisecond, Factor: 1.05, MaxAttempts: 200}
}

// Delay returns the delay to use before attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Min)
	if d <= 0 {
		d = float64(time.Millisecond)
	}
	for i := 0; i < n; i++ {
		d *= b.Factor
	}
	delay := time.Duration(d)
	if b.Min == 0 && n == 0 {
		return 0
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Sleep waits for the computed delay or until ctx is cancelled, whichever
// comes first. Returns ctx.Err() if cancelled.
func (b Backoff) Sleep(ctx context.Context, n int) error {
	d := b.Delay(n)
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
