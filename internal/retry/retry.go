package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 500 * time.Millisecond
	DefaultMaxWait    = 10 * time.Second
)

// Policy describes exponential backoff with jitter.
type Policy struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
	// Jitter is the fraction of the backoff added at random, 0 disables it.
	Jitter float64
}

// DefaultPolicy returns three retries starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseWait:   DefaultBaseWait,
		MaxWait:    DefaultMaxWait,
		Jitter:     0.1,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	backoff := time.Duration(float64(p.BaseWait) * math.Pow(2, float64(attempt-1)))
	if p.MaxWait > 0 && backoff > p.MaxWait {
		backoff = p.MaxWait
	}
	if p.Jitter > 0 {
		backoff += time.Duration(rand.Float64() * float64(backoff) * p.Jitter)
	}
	return backoff
}

// Sleep waits for d or until ctx or stop is done. It returns false when the
// wait was interrupted.
func Sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Do runs f until it succeeds, returns an error for which retryable is false,
// or MaxRetries retries have been spent. The last error is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, f func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 && !Sleep(ctx, p.Backoff(attempt), nil) {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}
		if lastErr = f(); lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
