// ABOUTME: Retry logic with exponential backoff for delivery and reconnects.
// ABOUTME: Handles transient network failures with configurable retry behavior.
package offline

import (
	"context"
	"errors"
	"time"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	MaxAttempts int           // maximum number of attempts (default: 5)
	InitialWait time.Duration // wait before first retry (default: 1s)
	MaxWait     time.Duration // maximum wait between retries (default: 2m)
	Multiplier  float64       // backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns defaults tuned for flaky mobile networks.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		InitialWait: time.Second,
		MaxWait:     2 * time.Minute,
		Multiplier:  2.0,
	}
}

// Retryable returns true if the error should trigger a retry.
// Network failures and server errors are retryable; conflicts and
// client-rejected writes are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServerError) {
		return true
	}
	return false
}

// Backoff returns the wait before attempt n+1 given n prior failures.
// Base delay doubles per attempt (for the default multiplier), capped at
// MaxWait. Zero prior failures means no wait.
func Backoff(cfg RetryConfig, attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	wait := cfg.InitialWait
	for i := 1; i < attempts; i++ {
		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait >= cfg.MaxWait {
			return cfg.MaxWait
		}
	}
	if cfg.MaxWait > 0 && wait > cfg.MaxWait {
		wait = cfg.MaxWait
	}
	return wait
}

// WithRetry executes fn with retry logic.
// Returns result on success, or SyncError after exhausting retries.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, &SyncError{Op: op, Err: err, Retries: attempt}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(Backoff(cfg, attempt)):
		}
	}

	return zero, &SyncError{Op: op, Err: ErrNetworkFailure, Retries: cfg.MaxAttempts}
}
