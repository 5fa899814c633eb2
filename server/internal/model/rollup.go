package model

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// FloatMap reads a ClickHouse Map(String, Float64) column.
type FloatMap map[string]float64

func (m *FloatMap) Scan(src any) error {
	*m = nil
	switch v := src.(type) {
	case nil:
		*m = FloatMap{}
	case map[string]float64:
		*m = FloatMap(v)
	case []byte:
		return json.Unmarshal(v, (*map[string]float64)(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]float64)(m))
	default:
		return fmt.Errorf("FloatMap: unsupported source %T", src)
	}
	return nil
}

// Rollup is one stored bucket. Only the Bucket-shaped fields are serialized.
type Rollup struct {
	Key           string   `gorm:"column:key" json:"-"`
	Tenant        string   `gorm:"column:tenant" json:"-"`
	Source        string   `gorm:"column:source" json:"source"`
	Period        string   `gorm:"column:period" json:"-"`
	Revision      uint64   `gorm:"column:revision" json:"-"`
	Start         int64    `gorm:"column:start" json:"start"`
	IsoDate       string   `gorm:"column:iso_date" json:"isoDate"`
	USDValue      float64  `gorm:"column:usd_value" json:"usdValue"`
	NumTxs        int64    `gorm:"column:num_txs" json:"numTxs"`
	CurrencyCodes FloatMap `gorm:"column:currency_codes" json:"currencyCodes"`
	CurrencyPairs FloatMap `gorm:"column:currency_pairs" json:"currencyPairs"`
}

func (Rollup) TableName() string {
	return "rollup"
}

// SourceSummary totals one source's rollups over a range.
type SourceSummary struct {
	Source   string  `gorm:"column:source" json:"source"`
	USDValue float64 `gorm:"column:usd_value" json:"usdValue"`
	NumTxs   int64   `gorm:"column:num_txs" json:"numTxs"`
}

// RangeQuery selects rollups with Start in [Start, End]. An empty Source means every source.
type RangeQuery struct {
	Tenant string
	Source string
	Period string
	Start  int64
	End    int64
}
