package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), func() error {
		calls++
		return boom
	}, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2})

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom), "exhaustion error should wrap the last error")
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return fatal
	}, RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		Retryable:     func(err error) bool { return !errors.Is(err, fatal) },
	})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls, "non-retryable error should stop after the first attempt")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, func() error {
		calls++
		return errors.New("transient")
	}, RetryConfig{MaxAttempts: 100, InitialDelay: 50 * time.Millisecond, BackoffFactor: 1})

	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 2)
}

func TestDelayGrowth(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		BackoffFactor: 2,
	}

	assert.Equal(t, time.Duration(0), cfg.Delay(1))
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(4), "delay should be capped at MaxDelay")
}
