// Package aggregate turns a timestamp-sorted transaction stream into
// contiguous, period-aligned buckets of accumulated statistics.
//
// Everything here is pure: no I/O, no clocks, no shared state.
package aggregate

import (
	"fmt"
	"time"

	"github.com/navid-fn/txradar/internal/models"
)

// Period is a bucket granularity.
type Period string

const (
	Hour  Period = "hour"
	Day   Period = "day"
	Month Period = "month"
)

// AllPeriods lists every supported period, finest first.
var AllPeriods = []Period{Hour, Day, Month}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Hour, Day, Month:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Truncate returns the period boundary at or before ts (epoch seconds, UTC).
func (p Period) Truncate(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	switch p {
	case Hour:
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t.Unix()
}

// Next returns the boundary one period after the aligned boundary b.
// Months advance by calendar month, so lengths and year rollover come from time.Date.
func (p Period) Next(b int64) int64 {
	t := time.Unix(b, 0).UTC()
	switch p {
	case Hour:
		return t.Add(time.Hour).Unix()
	case Day:
		return t.AddDate(0, 0, 1).Unix()
	default:
		return t.AddDate(0, 1, 0).Unix()
	}
}

// Boundaries lists every aligned boundary from Truncate(start) up to and including
// the last one <= end. It always holds at least one element when start <= end.
func (p Period) Boundaries(start, end int64) []int64 {
	b := p.Truncate(start)
	out := []int64{b}
	for {
		b = p.Next(b)
		if b > end {
			return out
		}
		out = append(out, b)
	}
}

// Request describes one aggregation run. Start and End are epoch seconds, inclusive.
type Request struct {
	Tenant  string
	Source  string
	Start   int64
	End     int64
	Periods []Period
}

// Result holds the bucket series per period plus the echoed request.
// A period that was not requested has an empty series.
type Result struct {
	Tenant    string          `json:"tenant"`
	Source    string          `json:"source"`
	Start     int64           `json:"start"`
	End       int64           `json:"end"`
	Hour      []models.Bucket `json:"hour"`
	Day       []models.Bucket `json:"day"`
	Month     []models.Bucket `json:"month"`
	NumAllTxs int             `json:"numAllTxs"`
}

// Series returns the bucket list for p.
func (r *Result) Series(p Period) []models.Bucket {
	switch p {
	case Hour:
		return r.Hour
	case Day:
		return r.Day
	case Month:
		return r.Month
	}
	return nil
}

func (r *Result) setSeries(p Period, buckets []models.Bucket) {
	switch p {
	case Hour:
		r.Hour = buckets
	case Day:
		r.Day = buckets
	case Month:
		r.Month = buckets
	}
}

// Aggregate accumulates txs into buckets for every requested period.
//
// txs MUST be sorted by Timestamp ascending; assignment is a single forward
// scan per period and gives wrong answers on unsorted input. Records before
// the first bucket or at/after the end of the last bucket are not assigned.
// Empty buckets are kept so every series has a fixed cardinality.
func Aggregate(txs []models.StandardTx, req Request) Result {
	res := Result{
		Tenant:    req.Tenant,
		Source:    req.Source,
		Start:     req.Start,
		End:       req.End,
		Hour:      []models.Bucket{},
		Day:       []models.Bucket{},
		Month:     []models.Bucket{},
		NumAllTxs: len(txs),
	}
	if req.End < req.Start {
		return res
	}

	for _, p := range req.Periods {
		bounds := p.Boundaries(req.Start, req.End)
		buckets := make([]models.Bucket, len(bounds))
		for i, b := range bounds {
			buckets[i] = models.NewBucket(b)
		}
		limit := p.Next(bounds[len(bounds)-1])

		cur := 0
		for i := range txs {
			tx := &txs[i]
			ts := int64(tx.Timestamp)
			if ts < bounds[0] {
				continue
			}
			if ts >= limit {
				break
			}
			for cur+1 < len(bounds) && bounds[cur+1] <= ts {
				cur++
			}
			accumulate(&buckets[cur], tx)
		}

		res.setSeries(p, buckets)
	}

	return res
}

// accumulate adds one transaction to b. The USD value is split evenly between
// the two leg currencies but counted in full for the pair; unknown values add zero.
func accumulate(b *models.Bucket, tx *models.StandardTx) {
	usd := 0.0
	if tx.HasUSDValue() {
		usd = tx.USDValue
	}

	b.NumTxs++
	b.USDValue += usd
	b.CurrencyCodes[tx.DepositCurrency] += usd / 2
	b.CurrencyCodes[tx.PayoutCurrency] += usd / 2
	b.CurrencyPairs[tx.DepositCurrency+"-"+tx.PayoutCurrency] += usd
}
