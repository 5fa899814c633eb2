package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/navid-fn/txradar/server/internal/model"
)

type RollupRepository interface {
	ListRollups(ctx context.Context, q model.RangeQuery) ([]model.Rollup, error)
	SummarizeBySource(ctx context.Context, q model.RangeQuery) ([]model.SourceSummary, error)
}

type gormRollupRepository struct {
	db *gorm.DB
}

func NewGormRollupRepository(db *gorm.DB) RollupRepository {
	return &gormRollupRepository{db: db}
}

// rollups reads the deduplicated table; older revisions may not be merged yet.
func (r *gormRollupRepository) rollups(ctx context.Context, q model.RangeQuery) *gorm.DB {
	query := r.db.WithContext(ctx).
		Table("rollup FINAL").
		Where("tenant = ? AND period = ? AND start >= ? AND start <= ?", q.Tenant, q.Period, q.Start, q.End)
	if q.Source != "" {
		query = query.Where("source = ?", q.Source)
	}
	return query
}

func (r *gormRollupRepository) ListRollups(ctx context.Context, q model.RangeQuery) ([]model.Rollup, error) {
	var rows []model.Rollup
	err := r.rollups(ctx, q).
		Select("key, tenant, source, period, revision, start, iso_date, usd_value, num_txs, currency_codes, currency_pairs").
		Order("source, start").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *gormRollupRepository) SummarizeBySource(ctx context.Context, q model.RangeQuery) ([]model.SourceSummary, error) {
	var rows []model.SourceSummary
	err := r.rollups(ctx, q).
		Select("source, sum(usd_value) AS usd_value, sum(num_txs) AS num_txs").
		Group("source").
		Order("source").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
