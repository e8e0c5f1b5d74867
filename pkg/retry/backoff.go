// Package retry runs an operation with exponential backoff.
//
//	err := retry.WithRetry(ctx, func() error {
//		return dial()
//	}, retry.BackoffConfig{InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2, MaxRetries: 2})
//
// Returning retry.Stop(err) from the operation ends the loop at once and
// yields err unwrapped. The tunnel FTP handler uses it so permanent
// replies such as a failed login are not retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/retrogate/retrogate/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// ExponentialBackoff returns the delay before a given attempt. With jitter
// the delay is drawn from [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}
		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		d := time.Duration(interval)
		if config.Jitter && d > 1 {
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
		}
		return d
	}
}

type RetryableFunc func() error

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, the context
// ends or MaxRetries retries have failed.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempts, "max", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
