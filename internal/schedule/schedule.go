// Package schedule drives the engines' long-lived polling loops.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/storage"
)

// Options configures one loop.
type Options struct {
	Name     string
	Interval time.Duration

	// Locker, when set, makes the loop single-flight across processes.
	// LockTTL should comfortably exceed one iteration.
	Locker  storage.Locker
	LockTTL time.Duration
}

// Loop runs fn, sleeps Interval, and repeats until ctx is done. An iteration
// starts only after the previous one returned. Errors and panics are logged
// and never end the loop.
func Loop(ctx context.Context, opts Options, logger *slog.Logger, fn func(ctx context.Context) error) {
	logger = logger.With("loop", opts.Name)
	logger.Info("Loop started", "interval", opts.Interval)

	for {
		runOnce(ctx, opts, logger, fn)

		select {
		case <-ctx.Done():
			logger.Info("Loop stopped")
			return
		case <-time.After(opts.Interval):
		}
	}
}

func runOnce(ctx context.Context, opts Options, logger *slog.Logger, fn func(ctx context.Context) error) {
	if opts.Locker != nil {
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 2 * opts.Interval
		}
		unlock, ok, err := opts.Locker.TryLock(ctx, opts.Name, ttl)
		if err != nil {
			logger.Error("Lock failed, skipping iteration", "error", err)
			return
		}
		if !ok {
			logger.Debug("Another process holds the loop, skipping iteration")
			return
		}
		defer unlock()
	}

	if err := safeRun(ctx, fn); err != nil {
		logger.Error("Iteration failed", "error", err)
		return
	}
	metrics.LoopLastRun.WithLabelValues(opts.Name).SetToCurrentTime()
}

func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
