package faulttolerance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func newTestRetryer(attempts int, retryable ...error) *Retryer {
	return NewRetryer(RetryConfig{
		MaxAttempts:     attempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		Name:            "test",
		RetryableErrors: retryable,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	r := newTestRetryer(5)
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteGivesUpAtCeiling(t *testing.T) {
	r := newTestRetryer(4)
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	r := newTestRetryer(5, errTransient)
	calls := 0
	permanent := errors.New("permanent")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestExecuteMatchesWrappedErrors(t *testing.T) {
	r := newTestRetryer(2, errTransient)
	calls := 0
	_ = r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("lookup: %w", errTransient)
	})
	assert.Equal(t, 2, calls)
}

func TestExecuteHonoursCancel(t *testing.T) {
	r := newTestRetryer(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, func(ctx context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayBounds(t *testing.T) {
	r := NewRetryer(RetryConfig{BaseDelay: time.Second, MaxDelay: 8 * time.Second, JitterRange: 0.1}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Duration(float64(8*time.Second)*1.1))
	}
}
