package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) BackoffConfig {
	return BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxRetries: retries}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2})
	assert.Equal(t, 100*time.Millisecond, b(0))
	assert.Equal(t, 100*time.Millisecond, b(1))
	assert.Equal(t, 200*time.Millisecond, b(2))
	assert.Equal(t, 400*time.Millisecond, b(3))
	assert.Equal(t, time.Second, b(10))
}

func TestExponentialBackoffJitter(t *testing.T) {
	b := ExponentialBackoff(BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, Jitter: true})
	for i := 0; i < 20; i++ {
		d := b(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastConfig(5))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return cause
	}, fastConfig(2))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestWithRetryStop(t *testing.T) {
	cause := errors.New("530 login incorrect")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(cause)
	}, fastConfig(5))
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsStopError(Stop(cause)))
	assert.False(t, IsStopError(cause))
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, func() error { return errors.New("down") },
		BackoffConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxRetries: 3})
	assert.ErrorIs(t, err, context.Canceled)
}
