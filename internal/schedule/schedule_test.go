package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/navid-fn/txradar/internal/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		defer close(done)
		Loop(ctx, Options{Name: "t", Interval: time.Millisecond}, discard(), func(ctx context.Context) error {
			switch calls.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("kaboom")
			case 3:
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	unlock, ok, err := mem.TryLock(ctx, "cache", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	ran := false
	runOnce(ctx, Options{Name: "cache", Interval: time.Minute, Locker: mem}, discard(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)

	unlock()
	runOnce(ctx, Options{Name: "cache", Interval: time.Minute, Locker: mem}, discard(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}
