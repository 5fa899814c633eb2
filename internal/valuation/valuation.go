// Package valuation backfills usd values and payout amounts that partners did
// not report, using historical rates.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/metrics"
	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/storage"
)

const usd = "USD"

// amountPlaces is the precision repaired amounts are rounded to.
const amountPlaces = 8

type Config struct {
	PageSize  int
	PageDelay time.Duration
}

// PassReport summarizes one pass over both deficiencies.
type PassReport struct {
	Pages     int
	Scanned   int
	Fixed     int
	Skipped   int
	Conflicts int
}

// Engine is the valuation loop body. It only ever corrects existing records.
type Engine struct {
	records    storage.RecordStore
	currencies storage.CurrencyOverrides
	rates      RateSource
	cfg        Config
	logger     *slog.Logger
}

func New(records storage.RecordStore, currencies storage.CurrencyOverrides, rates RateSource, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Engine{
		records:    records,
		currencies: currencies,
		rates:      rates,
		cfg:        cfg,
		logger:     logger.With("component", "valuation"),
	}
}

// Run is the schedule.Loop body; the loop interval is the idle sleep between passes.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.RunPass(ctx)
	return err
}

// RunPass pages through both deficiencies, alternating between them page by
// page, until neither returns a bookmark.
func (e *Engine) RunPass(ctx context.Context) (PassReport, error) {
	var report PassReport
	table := e.currencyTable(ctx)

	bookmarks := map[storage.Deficiency]string{}
	done := map[storage.Deficiency]bool{}
	d := storage.MissingUSD

	for !done[storage.MissingUSD] || !done[storage.MissingPayout] {
		if done[d] {
			d = other(d)
			continue
		}

		page, err := e.records.FindIncomplete(ctx, d, bookmarks[d], e.cfg.PageSize)
		if err != nil {
			return report, fmt.Errorf("find %s: %w", d, err)
		}
		report.Pages++
		report.Scanned += len(page.Docs)

		if len(page.Docs) > 0 {
			if err := e.repairPage(ctx, d, page.Docs, table, &report); err != nil {
				return report, err
			}
		}

		if page.Bookmark == "" {
			done[d] = true
		} else {
			bookmarks[d] = page.Bookmark
		}
		d = other(d)

		if len(page.Docs) > 0 && (!done[storage.MissingUSD] || !done[storage.MissingPayout]) {
			if err := sleep(ctx, e.cfg.PageDelay); err != nil {
				return report, err
			}
		}
	}

	e.logger.Info("Valuation pass finished",
		"pages", report.Pages, "scanned", report.Scanned,
		"fixed", report.Fixed, "skipped", report.Skipped, "conflicts", report.Conflicts)
	return report, nil
}

func (e *Engine) currencyTable(ctx context.Context) connector.CurrencyTable {
	overlay, err := e.currencies.CurrencyOverrides(ctx)
	if err != nil {
		e.logger.Warn("Currency table unavailable, using defaults", "error", err)
		overlay = nil
	}
	return connector.NewCurrencyTable(overlay)
}

// repairPage repairs every doc and writes the page back in one bulk call.
// Docs nothing could be done for go out with an empty key so the store skips them.
func (e *Engine) repairPage(ctx context.Context, d storage.Deficiency, docs []models.TxDoc, table connector.CurrencyTable, report *PassReport) error {
	out := make([]models.TxDoc, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, fixed := e.Repair(ctx, doc.Tx, table)
		doc.Tx = tx
		if !fixed {
			e.logger.Debug("Record left unrepaired", "key", doc.Key)
			doc.Key = ""
		}
		out[i] = doc
	}

	res, err := e.records.UpdateRecords(ctx, out)
	if err != nil {
		return fmt.Errorf("write repairs: %w", err)
	}
	for _, key := range res.Conflicts {
		e.logger.Warn("Repair lost a revision race", "key", key)
	}

	report.Fixed += res.Written
	report.Skipped += res.Skipped
	report.Conflicts += len(res.Conflicts)
	metrics.RepairsTotal.WithLabelValues(d.String(), "fixed").Add(float64(res.Written))
	metrics.RepairsTotal.WithLabelValues(d.String(), "skipped").Add(float64(res.Skipped))
	metrics.RepairsTotal.WithLabelValues(d.String(), "conflict").Add(float64(len(res.Conflicts)))
	return nil
}

// Repair fills in a missing payout amount, then a missing usd value, stopping
// at the first derivation that works for each. fixed reports whether anything changed.
func (e *Engine) Repair(ctx context.Context, tx models.StandardTx, table connector.CurrencyTable) (models.StandardTx, bool) {
	dep := table.Standardize(tx.DepositCurrency)
	pay := table.Standardize(tx.PayoutCurrency)
	fixed := false

	if tx.PayoutAmount == 0 && tx.DepositAmount > 0 {
		if v, ok := e.derive(ctx, tx.Timestamp,
			conversion{amount: tx.DepositAmount, from: dep, to: pay},
			conversion{amount: usdOrZero(tx), from: usd, to: pay},
		); ok {
			tx.PayoutAmount = v
			fixed = true
		}
	}

	if !tx.HasUSDValue() {
		if v, ok := e.derive(ctx, tx.Timestamp,
			conversion{amount: tx.DepositAmount, from: dep, to: usd},
			conversion{amount: tx.PayoutAmount, from: pay, to: usd},
		); ok {
			tx.USDValue = v
			fixed = true
		}
	}

	return tx, fixed
}

type conversion struct {
	amount   float64
	from, to string
}

// derive returns the first conversion that resolves. Each one tries the
// direct rate, then the inverse of the reverse rate. Conversions with no
// positive amount are skipped.
func (e *Engine) derive(ctx context.Context, ts float64, convs ...conversion) (float64, bool) {
	for _, c := range convs {
		if c.amount <= 0 || c.from == "" || c.to == "" {
			continue
		}
		amount := decimal.NewFromFloat(c.amount)

		if c.from == c.to {
			return amount.Round(amountPlaces).InexactFloat64(), true
		}
		if r, ok := e.lookup(ctx, c.from, c.to, ts); ok {
			return amount.Mul(decimal.NewFromFloat(r)).Round(amountPlaces).InexactFloat64(), true
		}
		if r, ok := e.lookup(ctx, c.to, c.from, ts); ok {
			return amount.Div(decimal.NewFromFloat(r)).Round(amountPlaces).InexactFloat64(), true
		}
	}
	return 0, false
}

func (e *Engine) lookup(ctx context.Context, from, to string, ts float64) (float64, bool) {
	r, err := e.rates.Rate(ctx, from, to, ts)
	if err != nil {
		if !errors.Is(err, ErrNoRate) {
			e.logger.Debug("Rate lookup failed", "from", from, "to", to, "error", err)
		}
		return 0, false
	}
	return r, true
}

func usdOrZero(tx models.StandardTx) float64 {
	if tx.HasUSDValue() {
		return tx.USDValue
	}
	return 0
}

func other(d storage.Deficiency) storage.Deficiency {
	if d == storage.MissingUSD {
		return storage.MissingPayout
	}
	return storage.MissingUSD
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
