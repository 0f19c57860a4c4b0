package billing

import (
	"context"
	"time"
)

// RetryPolicy retries transient provider failures with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Default: 3
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles per attempt.
	// Default: 1s
	BaseDelay time.Duration

	// Sleep waits between attempts. Tests replace it; nil uses a timer
	// that returns early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts with 1s and 2s waits between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: sleepContext}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = d.Sleep
	}
	return p
}

// Backoff returns the wait before attempt n+1, n starting at 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	return p.BaseDelay << (n - 1)
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. onRetry, if set, runs before each wait.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil || !IsTransient(err) || attempt == p.MaxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if sleepErr := p.Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
