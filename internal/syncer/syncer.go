// Package syncer drives every configured connector on a schedule and stores
// what they return exactly once per transaction key.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/events"
	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/storage"
	"github.com/navid-fn/txradar/internal/tenants"
)

// UnitStatus is the outcome of one (tenant, source) unit.
type UnitStatus string

const (
	StatusOK       UnitStatus = "ok"
	StatusFailed   UnitStatus = "failed"
	StatusConflict UnitStatus = "conflict"
)

type Config struct {
	Concurrency  int
	CycleTimeout time.Duration
	UnitTimeout  time.Duration
	BatchSize    int
	AllowTenants []string
	AllowSources []string
}

// UnitResult reports one unit. Err is set unless Status is StatusOK.
type UnitResult struct {
	Tenant     string
	Source     string
	Status     UnitStatus
	Fetched    int
	Inserted   int
	Duplicates int
	Invalid    int
	Err        error
}

// CycleReport is what RunCycle did.
type CycleReport struct {
	RunID string
	Units []UnitResult
}

// Orchestrator is the sync loop body. It owns canonical record inserts and checkpoints.
type Orchestrator struct {
	dir         tenants.Directory
	registry    *connector.Registry
	records     storage.RecordStore
	checkpoints storage.CheckpointStore
	publisher   events.Publisher
	cfg         Config
	logger      *slog.Logger
}

func New(
	dir tenants.Directory,
	registry *connector.Registry,
	records storage.RecordStore,
	checkpoints storage.CheckpointStore,
	publisher events.Publisher,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 5 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Minute
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Orchestrator{
		dir:         dir,
		registry:    registry,
		records:     records,
		checkpoints: checkpoints,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger.With("component", "syncer"),
	}
}

// Run is the schedule.Loop body.
func (o *Orchestrator) Run(ctx context.Context) error {
	_, err := o.RunCycle(ctx)
	return err
}

// RunCycle runs every allowed (tenant, source) unit once, at most
// Concurrency at a time. A unit failure never fails the cycle; only a
// failure to list tenants does.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{RunID: uuid.NewString()}
	logger := o.logger.With("run", report.RunID)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
	defer cancel()
	ctx = events.WithRunID(ctx, report.RunID)

	list, err := o.dir.Tenants(ctx)
	if err != nil {
		return report, fmt.Errorf("list tenants: %w", err)
	}
	pairs := tenants.Pairs(list, o.cfg.AllowTenants, o.cfg.AllowSources)

	start := time.Now()
	logger.Info("Sync cycle started", "units", len(pairs), "concurrency", o.cfg.Concurrency)

	report.Units = make([]UnitResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			report.Units[i] = o.runUnit(ctx, p, logger)
			return nil
		})
	}
	_ = g.Wait()

	var ok, failed, conflict, inserted int
	for _, u := range report.Units {
		switch u.Status {
		case StatusOK:
			ok++
		case StatusConflict:
			conflict++
		default:
			failed++
		}
		inserted += u.Inserted
	}
	logger.Info("Sync cycle finished",
		"ok", ok, "failed", failed, "conflict", conflict,
		"inserted", inserted, "took", time.Since(start).Round(time.Millisecond))

	return report, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, p tenants.Pair, logger *slog.Logger) (res UnitResult) {
	res = UnitResult{Tenant: p.Tenant, Source: p.Source}
	logger = logger.With("tenant", p.Tenant, "source", p.Source)

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
		if res.Status == "" {
			res.Status = StatusOK
		}
		metrics.SyncUnitsTotal.WithLabelValues(p.Source, string(res.Status)).Inc()
		if res.Err != nil {
			logger.Error("Sync unit failed", "status", res.Status, "error", res.Err)
			return
		}
		logger.Debug("Sync unit done", "fetched", res.Fetched, "inserted", res.Inserted, "duplicates", res.Duplicates)
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.UnitTimeout)
	defer cancel()

	fail := func(status UnitStatus, err error) UnitResult {
		res.Status = status
		res.Err = err
		return res
	}

	conn, err := o.registry.Get(p.Source)
	if err != nil {
		return fail(StatusFailed, err)
	}

	cp, err := o.loadCheckpoint(ctx, p, logger)
	if err != nil {
		return fail(StatusFailed, err)
	}

	out, err := conn.Query(ctx, connector.Credentials(p.Credentials), connector.Settings(cp.Settings))
	if err != nil {
		return fail(StatusFailed, fmt.Errorf("query: %w", err))
	}
	res.Fetched = len(out.Records)

	stats, err := o.store(ctx, p.Tenant, p.Source, out.Records, logger)
	res.Inserted, res.Duplicates, res.Invalid = stats.inserted, stats.duplicates, stats.invalid
	if err != nil {
		// Checkpoint stays where it was; the next cycle refetches and dedups.
		return fail(StatusFailed, fmt.Errorf("insert: %w", err))
	}

	cp.Settings = map[string]any(out.Settings)
	if cp.Settings == nil {
		cp.Settings = map[string]any{}
	}
	if _, err := o.checkpoints.PutCheckpoint(ctx, cp); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fail(StatusConflict, fmt.Errorf("checkpoint: %w", err))
		}
		return fail(StatusFailed, fmt.Errorf("checkpoint: %w", err))
	}

	return res
}

// loadCheckpoint returns the stored checkpoint, or an empty one carrying the
// revision to overwrite when it is absent or undecodable.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, p tenants.Pair, logger *slog.Logger) (models.Checkpoint, error) {
	cp, err := o.checkpoints.GetCheckpoint(ctx, p.Tenant, p.Source)
	switch {
	case err == nil:
		if cp.Settings == nil {
			cp.Settings = map[string]any{}
		}
		return cp, nil
	case errors.Is(err, storage.ErrNotFound):
		return models.Checkpoint{Tenant: p.Tenant, Source: p.Source, Settings: map[string]any{}}, nil
	case errors.Is(err, storage.ErrMalformed):
		logger.Warn("Malformed checkpoint, starting from scratch", "error", err)
		return models.Checkpoint{Tenant: p.Tenant, Source: p.Source, Settings: map[string]any{}, Revision: cp.Revision}, nil
	default:
		return models.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
}

type storeStats struct {
	inserted   int
	duplicates int
	invalid    int
}

// store normalizes records and inserts the ones whose key is not stored yet,
// batch by batch. Existing records are never touched.
func (o *Orchestrator) store(ctx context.Context, tenant, source string, records []models.StandardTx, logger *slog.Logger) (storeStats, error) {
	var stats storeStats

	docs := make([]models.TxDoc, 0, len(records))
	for _, r := range records {
		tx, err := models.NormalizeTx(r)
		if err != nil {
			stats.invalid++
			logger.Warn("Dropping invalid record", "error", err)
			continue
		}
		docs = append(docs, models.TxDoc{
			Key:    models.TxKey(tenant, source, tx.OrderID),
			Tenant: tenant,
			Source: source,
			Tx:     tx,
		})
	}

	for start := 0; start < len(docs); start += o.cfg.BatchSize {
		batch := docs[start:min(start+o.cfg.BatchSize, len(docs))]

		fresh, dups, err := o.filterNew(ctx, batch)
		if err != nil {
			return stats, err
		}
		stats.duplicates += dups

		if len(fresh) == 0 {
			continue
		}
		if err := o.records.InsertRecords(ctx, fresh); err != nil {
			return stats, err
		}
		stats.inserted += len(fresh)
		metrics.RecordsInsertedTotal.WithLabelValues(source).Add(float64(len(fresh)))

		if err := o.publisher.PublishRecords(ctx, fresh); err != nil {
			logger.Warn("Publishing inserted records failed", "count", len(fresh), "error", err)
		}
	}
	metrics.RecordsDuplicateTotal.WithLabelValues(source).Add(float64(stats.duplicates))

	return stats, nil
}

// filterNew drops keys repeated inside the batch (first one wins) and keys already stored.
func (o *Orchestrator) filterNew(ctx context.Context, batch []models.TxDoc) ([]models.TxDoc, int, error) {
	seen := make(map[string]bool, len(batch))
	keys := make([]string, 0, len(batch))
	unique := make([]models.TxDoc, 0, len(batch))
	for _, d := range batch {
		if seen[d.Key] {
			continue
		}
		seen[d.Key] = true
		keys = append(keys, d.Key)
		unique = append(unique, d)
	}

	existing, err := o.records.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, 0, fmt.Errorf("lookup keys: %w", err)
	}

	fresh := make([]models.TxDoc, 0, len(unique))
	for _, d := range unique {
		if !existing[d.Key] {
			fresh = append(fresh, d)
		}
	}
	return fresh, len(batch) - len(fresh), nil
}
