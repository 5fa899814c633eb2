package models

import (
	"fmt"
	"strings"
)

// Bucket is one fixed time window of accumulated transaction statistics.
type Bucket struct {
	// Start is the period-aligned window start in epoch seconds.
	Start int64 `json:"start"`

	USDValue float64 `json:"usdValue"`
	NumTxs   int64   `json:"numTxs"`

	// IsoDate is Start as a UTC ISO-8601 string.
	IsoDate string `json:"isoDate"`

	// CurrencyCodes holds half of each transaction's USD value per leg currency.
	CurrencyCodes map[string]float64 `json:"currencyCodes"`

	// CurrencyPairs holds the full USD value per "DEPOSIT-PAYOUT" pair.
	CurrencyPairs map[string]float64 `json:"currencyPairs"`
}

// NewBucket returns an empty bucket starting at start.
func NewBucket(start int64) Bucket {
	return Bucket{
		Start:         start,
		IsoDate:       ISODate(float64(start)),
		CurrencyCodes: make(map[string]float64),
		CurrencyPairs: make(map[string]float64),
	}
}

// Rollup is a persisted Bucket for one tenant, source and period.
type Rollup struct {
	Key      string `json:"_id"`
	Tenant   string `json:"tenant"`
	Source   string `json:"source"`
	Period   string `json:"period"`
	Revision uint64 `json:"_rev"`
	Bucket
}

// RollupKey builds "{tenant}_{source}:{isoDate}". Keys are unique within a period.
func RollupKey(tenant, source, isoDate string) string {
	return fmt.Sprintf("%s_%s:%s", strings.ToLower(tenant), strings.ToLower(source), isoDate)
}
