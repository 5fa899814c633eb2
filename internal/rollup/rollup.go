// Package rollup periodically recomputes the hour/day/month rollups of every
// (tenant, source) pair from canonical records and merges them into the
// rollup store.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/navid-fn/txradar/internal/aggregate"
	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/storage"
	"github.com/navid-fn/txradar/internal/tenants"
)

// InitializedMarker is set once a full-history recompute finished cleanly.
const InitializedMarker = "rollups-initialized"

type Config struct {
	BatchSize  int
	EpochStart time.Time

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Report summarizes one cycle.
type Report struct {
	Full          bool
	WindowStart   int64
	WindowEnd     int64
	Pairs         int
	Written       int
	FailedBatches int
	FailedPairs   int
	MarkerWritten bool
}

// Engine is the cache loop body. It is the only writer of rollups.
type Engine struct {
	dir     tenants.Directory
	records storage.RecordStore
	rollups storage.RollupStore
	markers storage.MarkerStore
	cfg     Config
	logger  *slog.Logger
}

func New(
	dir tenants.Directory,
	records storage.RecordStore,
	rollups storage.RollupStore,
	markers storage.MarkerStore,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		dir:     dir,
		records: records,
		rollups: rollups,
		markers: markers,
		cfg:     cfg,
		logger:  logger.With("component", "rollup"),
	}
}

// Run is the schedule.Loop body.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.RunCycle(ctx)
	return err
}

// RunCycle recomputes every pair over the current window. The first cycle
// covers everything since EpochStart; later cycles the previous and current
// calendar months.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	var report Report

	initialized, err := e.markers.IsMarked(ctx, InitializedMarker)
	if err != nil {
		return report, fmt.Errorf("read marker: %w", err)
	}

	now := e.cfg.Now().UTC()
	report.Full = !initialized
	report.WindowEnd = now.Unix()
	if report.Full {
		report.WindowStart = e.cfg.EpochStart.UTC().Unix()
	} else {
		month := time.Unix(aggregate.Month.Truncate(now.Unix()), 0).UTC()
		report.WindowStart = time.Date(month.Year(), month.Month()-1, 1, 0, 0, 0, 0, time.UTC).Unix()
	}

	list, err := e.dir.Tenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list tenants: %w", err)
	}
	pairs := tenants.Pairs(list, nil, nil)
	report.Pairs = len(pairs)

	e.logger.Info("Rollup cycle started",
		"full", report.Full,
		"from", models.ISODate(float64(report.WindowStart)),
		"pairs", len(pairs))
	started := time.Now()

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		written, failed, err := e.recomputePair(ctx, p, report.WindowStart, report.WindowEnd, report.Full)
		report.Written += written
		report.FailedBatches += failed
		if err != nil {
			report.FailedPairs++
			e.logger.Error("Rollup recompute failed", "tenant", p.Tenant, "source", p.Source, "error", err)
		}
	}

	if report.Full && report.FailedBatches == 0 && report.FailedPairs == 0 {
		if err := e.markers.Mark(ctx, InitializedMarker); err != nil {
			return report, fmt.Errorf("write marker: %w", err)
		}
		report.MarkerWritten = true
	}

	e.logger.Info("Rollup cycle finished",
		"written", report.Written,
		"failed_batches", report.FailedBatches,
		"failed_pairs", report.FailedPairs,
		"took", time.Since(started).Round(time.Millisecond))
	return report, nil
}

// recomputePair aggregates one pair and writes every period's series. Batch
// failures are counted and skipped; only a failed read returns an error.
func (e *Engine) recomputePair(ctx context.Context, p tenants.Pair, start, end int64, full bool) (written, failed int, err error) {
	// Read whole months so the first bucket of every period is complete.
	from := aggregate.Month.Truncate(start)
	to := aggregate.Month.Next(aggregate.Month.Truncate(end))

	txs, err := e.records.RangeRecords(ctx, p.Tenant, p.Source, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("range records: %w", err)
	}

	res := aggregate.Aggregate(txs, aggregate.Request{
		Tenant:  p.Tenant,
		Source:  p.Source,
		Start:   start,
		End:     end,
		Periods: aggregate.AllPeriods,
	})

	for _, period := range aggregate.AllPeriods {
		docs := toRollups(p.Tenant, p.Source, period, res.Series(period))
		for i := 0; i < len(docs); i += e.cfg.BatchSize {
			batch := docs[i:min(i+e.cfg.BatchSize, len(docs))]
			n, err := e.writeBatch(ctx, period, batch, !full)
			written += n
			if err != nil {
				failed++
				reason := "error"
				if errors.Is(err, storage.ErrConflict) {
					reason = "conflict"
				}
				metrics.RollupBatchFailuresTotal.WithLabelValues(string(period), reason).Inc()
				e.logger.Warn("Rollup batch failed",
					"tenant", p.Tenant, "source", p.Source, "period", period,
					"first", batch[0].Key, "size", len(batch), "error", err)
			}
		}
	}
	return written, failed, nil
}

// writeBatch upserts one batch. A batch whose revisions turned out stale is
// retried once with freshly read revisions.
func (e *Engine) writeBatch(ctx context.Context, period aggregate.Period, batch []models.Rollup, fetchRevisions bool) (int, error) {
	if fetchRevisions {
		if err := e.attachRevisions(ctx, period, batch); err != nil {
			return 0, err
		}
	}

	res, err := e.rollups.PutRollups(ctx, batch)
	if err != nil {
		return 0, err
	}
	written := res.Written
	if len(res.Conflicts) == 0 {
		metrics.RollupsWrittenTotal.WithLabelValues(string(period)).Add(float64(written))
		return written, nil
	}

	stale := pick(batch, res.Conflicts)
	if err := e.attachRevisions(ctx, period, stale); err != nil {
		return written, err
	}
	retry, err := e.rollups.PutRollups(ctx, stale)
	if err != nil {
		return written, err
	}
	written += retry.Written
	metrics.RollupsWrittenTotal.WithLabelValues(string(period)).Add(float64(written))

	if len(retry.Conflicts) > 0 {
		return written, fmt.Errorf("%d of %d rollups: %w", len(retry.Conflicts), len(batch), storage.ErrConflict)
	}
	return written, nil
}

// attachRevisions sets each doc's expected revision to the stored one, or zero when absent.
func (e *Engine) attachRevisions(ctx context.Context, period aggregate.Period, docs []models.Rollup) error {
	keys := make([]string, len(docs))
	for i := range docs {
		keys[i] = docs[i].Key
	}
	revs, err := e.rollups.RollupRevisions(ctx, string(period), keys)
	if err != nil {
		return fmt.Errorf("fetch revisions: %w", err)
	}
	for i := range docs {
		docs[i].Revision = revs[docs[i].Key]
	}
	return nil
}

func toRollups(tenant, source string, period aggregate.Period, buckets []models.Bucket) []models.Rollup {
	out := make([]models.Rollup, len(buckets))
	for i, b := range buckets {
		out[i] = models.Rollup{
			Key:    models.RollupKey(tenant, source, b.IsoDate),
			Tenant: tenant,
			Source: source,
			Period: string(period),
			Bucket: b,
		}
	}
	return out
}

func pick(docs []models.Rollup, keys []string) []models.Rollup {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make([]models.Rollup, 0, len(keys))
	for _, d := range docs {
		if want[d.Key] {
			out = append(out, d)
		}
	}
	return out
}
