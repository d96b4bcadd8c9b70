package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirelabs/coda/internal/observability"
)

// chatWithRetry runs a blocking call with exponential backoff. Attempt n
// waits 2^n seconds, a RateLimitError's Retry-After takes precedence, and
// cancellation aborts immediately without counting as a failure.
func chatWithRetry(ctx context.Context, dialect string, maxRetries int, logger zerolog.Logger, call func(context.Context) (*Response, error)) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying chat request")
			observability.RecordRetry(dialect)

			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(delay):
			}
		}

		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		if IsCancellation(err) {
			return nil, ErrCancelled
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	var rateLimit *RateLimitError
	if errors.As(lastErr, &rateLimit) && rateLimit.RetryAfter > 0 {
		return rateLimit.RetryAfter
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}
