// Package retry provides a bounded retry policy for optimistic writes.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds how often an operation is re-attempted. It is a plain
// value so each caller owns its copy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	// Tests replace it to run without delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default re-reads immediately on the first retry, then backs off with
// jitter up to 20ms.
func Default() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

// Immediate retries without waiting.
func Immediate(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Sleep: func(context.Context, time.Duration) error { return nil }}
}

// Do calls fn until it succeeds, returns a non-retryable error or the
// attempt budget is spent. The last error is returned as is.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if werr := p.wait(ctx, p.Delay(attempt)); werr != nil {
			return werr
		}
	}
	return err
}

// Delay is the pause after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt-2, 20)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d/2 + rand.N(d/2+1)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
