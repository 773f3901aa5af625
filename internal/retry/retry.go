package retry

import (
	"context"
	"time"
)

// Policy is the single retry primitive shared by room joins, message
// delivery and reconnection. Delay never decreases across attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Exponential doubles the delay each attempt; otherwise the delay
	// stays constant at BaseDelay.
	Exponential bool
}

// Delay returns the wait before the given attempt. Attempts are
// one-based; the first attempt has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := p.BaseDelay
	if p.Exponential {
		for i := 2; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping Delay(attempt) before
// each retry. It stops early when fn succeeds, when fn reports the
// error is not retryable, or when ctx is cancelled. The attempt number
// passed to fn is one-based.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (retryable bool, err error)) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}
