package generator

import (
	"context"
	"time"
)

// RetryPolicy controls how failed LLM calls are retried. Sleep is injectable
// so tests can run without real delays.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	Sleep          func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitDelay: 60 * time.Second,
		Sleep:          SleepContext,
	}
}

// Backoff returns the wait before the attempt following the given 1-based
// attempt number.
func (p RetryPolicy) Backoff(attempt int, rateLimited bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if rateLimited && p.RateLimitDelay > d {
		d = p.RateLimitDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return p.Sleep(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
