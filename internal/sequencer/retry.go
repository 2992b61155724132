package sequencer

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds persistence retries with exponential backoff
type RetryPolicy struct {
	MaxRetries  int           // retries after the first attempt
	BaseBackoff time.Duration // wait before the first retry, doubled each retry
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Backoff returns the wait before the given retry attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.BaseBackoff <= 0 {
		return 0
	}

	backoff := p.BaseBackoff << (attempt - 1)
	if backoff <= 0 || (p.MaxBackoff > 0 && backoff > p.MaxBackoff) {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs fn until it succeeds, the retries are exhausted or ctx is done.
// It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Backoff(attempt)):
			case <-ctx.Done():
				return attempt, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
	}

	return p.MaxRetries + 1, fmt.Errorf("failed after %d attempts: %w", p.MaxRetries+1, lastErr)
}
