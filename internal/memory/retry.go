package memory

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff for summarizer calls.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first call (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // maximum backoff delay
}

// DefaultRetryConfig returns the summarizer retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ExecuteWithRetry runs fn, retrying on error with exponential backoff and
// jitter. It stops early when ctx is done. Returns the first successful
// result or the last error.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) (string, error)) (result string, attempts int, err error) {
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}
	return "", cfg.MaxRetries + 1, err
}

// backoffWithJitter computes min(base * 2^attempt, max) ±25%.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}
