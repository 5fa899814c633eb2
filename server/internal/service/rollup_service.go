package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/navid-fn/txradar/internal/aggregate"
	"github.com/navid-fn/txradar/server/internal/model"
	"github.com/navid-fn/txradar/server/internal/repository"
)

// ErrInvalidQuery wraps every validation failure; handlers answer 400.
var ErrInvalidQuery = errors.New("invalid query")

// maxHourSpan bounds hour queries so one request cannot pull years of hour rows.
const maxHourSpan = 93 * 24 * time.Hour

// QueryParams is the raw query string input.
type QueryParams struct {
	Tenant string
	Source string
	Period string
	Start  string
	End    string
}

type RollupsService struct {
	repo repository.RollupRepository
	now  func() time.Time
}

func NewRollupsService(repo repository.RollupRepository) *RollupsService {
	return &RollupsService{
		repo: repo,
		now:  time.Now,
	}
}

// GetRollups returns one source's buckets ordered by start.
func (s *RollupsService) GetRollups(ctx context.Context, p QueryParams) ([]model.Rollup, error) {
	if p.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidQuery)
	}
	q, err := s.parse(p)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.ListRollups(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	if rows == nil {
		rows = []model.Rollup{}
	}
	return rows, nil
}

// GetSummary returns per-source totals for a tenant.
func (s *RollupsService) GetSummary(ctx context.Context, p QueryParams) ([]model.SourceSummary, error) {
	p.Source = ""
	q, err := s.parse(p)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.SummarizeBySource(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("summarize rollups: %w", err)
	}
	if rows == nil {
		rows = []model.SourceSummary{}
	}
	return rows, nil
}

func (s *RollupsService) parse(p QueryParams) (model.RangeQuery, error) {
	if p.Tenant == "" {
		return model.RangeQuery{}, fmt.Errorf("%w: tenant is required", ErrInvalidQuery)
	}
	period, err := aggregate.ParsePeriod(p.Period)
	if err != nil {
		return model.RangeQuery{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	end := s.now().Unix()
	if p.End != "" {
		if end, err = parseTime(p.End); err != nil {
			return model.RangeQuery{}, fmt.Errorf("%w: end: %v", ErrInvalidQuery, err)
		}
	}
	if p.Start == "" {
		return model.RangeQuery{}, fmt.Errorf("%w: start is required", ErrInvalidQuery)
	}
	start, err := parseTime(p.Start)
	if err != nil {
		return model.RangeQuery{}, fmt.Errorf("%w: start: %v", ErrInvalidQuery, err)
	}
	if start > end {
		return model.RangeQuery{}, fmt.Errorf("%w: start is after end", ErrInvalidQuery)
	}
	if period == aggregate.Hour && end-start > int64(maxHourSpan/time.Second) {
		return model.RangeQuery{}, fmt.Errorf("%w: hour range longer than %s", ErrInvalidQuery, maxHourSpan)
	}

	return model.RangeQuery{
		Tenant: p.Tenant,
		Source: p.Source,
		Period: string(period),
		Start:  period.Truncate(start),
		End:    end,
	}, nil
}

// parseTime accepts epoch seconds or RFC 3339.
func parseTime(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("want epoch seconds or RFC 3339, got %q", s)
	}
	return t.Unix(), nil
}
