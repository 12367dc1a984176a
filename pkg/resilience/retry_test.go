package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
)

func init() {
	logger.InitDefault()
}

func testConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testConfig(), "write", func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testConfig(), "write", func() error {
		calls++
		if calls < 3 {
			return errors.WriteFailedError(assert.AnError)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testConfig(), "write", func() error {
		calls++
		return errors.WriteFailedError(assert.AnError)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), testConfig(), "write", func() error {
		calls++
		return errors.InvalidTransitionError("ringing", "connected")
	})
	assert.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidTransition))
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.InitialBackoff = time.Minute

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, "write", func() error {
			calls++
			return errors.WriteFailedError(assert.AnError)
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe context cancellation")
	}
}
