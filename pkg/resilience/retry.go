package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
)

// RetryConfig bounds a retry loop for transient store failures
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff
	MaxBackoff time.Duration
	// OnRetry is called before each retry, for metrics. May be nil.
	OnRetry func(operation string, attempt int)
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff.
// Only retryable errors (transient write failures) are retried; any
// other error aborts immediately. The context cancels the backoff wait.
func Retry(ctx context.Context, cfg RetryConfig, operation string, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(operation, attempt)
			}
			logger.Warn("retrying operation after transient failure",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled while backing off: %w", operation, ctx.Err())
			case <-time.After(backoff):
			}

			backoff *= 2
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}
