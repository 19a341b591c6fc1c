package cloud

import (
	"context"
	"errors"
	"time"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	MaxAttempts int           // maximum number of attempts (default: 2)
	InitialWait time.Duration // wait before first retry (default: 250ms)
	MaxWait     time.Duration // maximum wait between retries (default: 5s)
	Multiplier  float64       // backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable returns true if the error should trigger a retry.
// Network failures and server errors are retryable; auth errors are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrServerError)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// attempts run out.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	wait := cfg.InitialWait

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt >= cfg.MaxAttempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if cfg.MaxWait > 0 && wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}
}
