// Package models defines the domain models used across the application.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is the normalized lifecycle state of a transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusExpired  Status = "expired"
	StatusRefunded Status = "refunded"
	StatusOther    Status = "other"
)

// UnknownUSD marks a transaction whose USD value could not be determined.
const UnknownUSD = -1.0

// isoLayout matches the millisecond UTC form used for every stored date string.
const isoLayout = "2006-01-02T15:04:05.000Z"

// StandardTx represents a single transaction normalized from a partner's API.
// This is the canonical format shared by connectors, storage and the engines.
type StandardTx struct {
	// OrderID is the partner-assigned identifier. Case-folded on normalization.
	OrderID string `json:"orderId"`

	// Status is the normalized state of the order.
	Status Status `json:"status"`

	DepositTxid     string  `json:"depositTxid,omitempty"`
	DepositAddress  string  `json:"depositAddress,omitempty"`
	DepositCurrency string  `json:"depositCurrency"`
	DepositAmount   float64 `json:"depositAmount"`

	PayoutTxid     string  `json:"payoutTxid,omitempty"`
	PayoutAddress  string  `json:"payoutAddress,omitempty"`
	PayoutCurrency string  `json:"payoutCurrency"`
	PayoutAmount   float64 `json:"payoutAmount"`

	// Timestamp is seconds since the UTC epoch and may carry a fraction.
	Timestamp float64 `json:"timestamp"`

	// IsoDate is Timestamp rendered as a UTC ISO-8601 string.
	IsoDate string `json:"isoDate"`

	// USDValue is the USD equivalent of the order, or UnknownUSD.
	USDValue float64 `json:"usdValue"`

	// RawTx is the untouched partner payload kept for audits.
	RawTx string `json:"rawTx,omitempty"`

	CountryCode  string `json:"countryCode,omitempty"`
	Direction    string `json:"direction,omitempty"`
	ExchangeType string `json:"exchangeType,omitempty"`
	PaymentType  string `json:"paymentType,omitempty"`
}

// TxDoc is a canonical record as stored: the transaction plus its identity and revision.
type TxDoc struct {
	Key      string     `json:"_id"`
	Tenant   string     `json:"tenant"`
	Source   string     `json:"source"`
	Revision uint64     `json:"_rev"`
	Tx       StandardTx `json:"tx"`
}

// TxKey builds the global de-duplication key "{tenant}_{source}:{orderId}", lower-cased.
func TxKey(tenant, source, orderID string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s:%s", tenant, source, orderID))
}

// ISODate renders epoch seconds the way every stored date string is written.
func ISODate(ts float64) string {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(isoLayout)
}

// ParseISODate parses RFC3339 strings, with or without fractional seconds, into epoch seconds.
func ParseISODate(s string) (float64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return float64(t.UnixNano()) / 1e9, nil
}

// HasUSDValue reports whether tx carries a usable USD valuation.
func (tx *StandardTx) HasUSDValue() bool {
	return tx.USDValue >= 0 && !math.IsNaN(tx.USDValue) && !math.IsInf(tx.USDValue, 0)
}

// NormalizeTx case-folds the order id and makes timestamp and isoDate agree.
// The timestamp wins when both are set. NaN, Inf and negative usd values
// collapse to UnknownUSD.
func NormalizeTx(tx StandardTx) (StandardTx, error) {
	tx.OrderID = strings.ToLower(strings.TrimSpace(tx.OrderID))
	if tx.OrderID == "" {
		return tx, fmt.Errorf("missing order id")
	}

	switch {
	case tx.Timestamp > 0:
		tx.IsoDate = ISODate(tx.Timestamp)
	case tx.IsoDate != "":
		ts, err := ParseISODate(tx.IsoDate)
		if err != nil {
			return tx, fmt.Errorf("order %s: bad isoDate %q: %w", tx.OrderID, tx.IsoDate, err)
		}
		tx.Timestamp = ts
		tx.IsoDate = ISODate(ts)
	default:
		return tx, fmt.Errorf("order %s: missing timestamp", tx.OrderID)
	}

	if !tx.HasUSDValue() {
		tx.USDValue = UnknownUSD
	}

	switch tx.Status {
	case StatusPending, StatusComplete, StatusExpired, StatusRefunded, StatusOther:
	default:
		tx.Status = StatusOther
	}

	if math.IsNaN(tx.DepositAmount) || math.IsInf(tx.DepositAmount, 0) ||
		math.IsNaN(tx.PayoutAmount) || math.IsInf(tx.PayoutAmount, 0) {
		return tx, fmt.Errorf("order %s: corrupted amount", tx.OrderID)
	}

	return tx, nil
}
