package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/navid-fn/txradar/internal/models"
)

// ClickHouse implements RecordStore and RollupStore on ReplacingMergeTree tables.
//
// Both tables keep the highest revision per sort key, so an update is an insert
// at revision+1 and reads go through FINAL. Revisions are checked right before
// the insert; each engine runs single-flight, which keeps that check honest.
type ClickHouse struct {
	conn driver.Conn
}

// NewClickHouse parses the DSN, opens a connection, and verifies it with a ping.
// Returns an error if connection cannot be established within 5 seconds.
func NewClickHouse(dsn string) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

// Ping is used by the health monitor.
func (s *ClickHouse) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouse) Close() error {
	return s.conn.Close()
}

type txRow struct {
	Key             string  `ch:"key"`
	Tenant          string  `ch:"tenant"`
	Source          string  `ch:"source"`
	Revision        uint64  `ch:"revision"`
	OrderID         string  `ch:"order_id"`
	Status          string  `ch:"status"`
	DepositTxid     string  `ch:"deposit_txid"`
	DepositAddress  string  `ch:"deposit_address"`
	DepositCurrency string  `ch:"deposit_currency"`
	DepositAmount   float64 `ch:"deposit_amount"`
	PayoutTxid      string  `ch:"payout_txid"`
	PayoutAddress   string  `ch:"payout_address"`
	PayoutCurrency  string  `ch:"payout_currency"`
	PayoutAmount    float64 `ch:"payout_amount"`
	Timestamp       float64 `ch:"timestamp"`
	IsoDate         string  `ch:"iso_date"`
	USDValue        float64 `ch:"usd_value"`
	RawTx           string  `ch:"raw_tx"`
	CountryCode     string  `ch:"country_code"`
	Direction       string  `ch:"direction"`
	ExchangeType    string  `ch:"exchange_type"`
	PaymentType     string  `ch:"payment_type"`
}

const txColumns = `key, tenant, source, revision, order_id, status,
	deposit_txid, deposit_address, deposit_currency, deposit_amount,
	payout_txid, payout_address, payout_currency, payout_amount,
	timestamp, iso_date, usd_value, raw_tx,
	country_code, direction, exchange_type, payment_type`

func (r txRow) doc() models.TxDoc {
	return models.TxDoc{
		Key:      r.Key,
		Tenant:   r.Tenant,
		Source:   r.Source,
		Revision: r.Revision,
		Tx: models.StandardTx{
			OrderID:         r.OrderID,
			Status:          models.Status(r.Status),
			DepositTxid:     r.DepositTxid,
			DepositAddress:  r.DepositAddress,
			DepositCurrency: r.DepositCurrency,
			DepositAmount:   r.DepositAmount,
			PayoutTxid:      r.PayoutTxid,
			PayoutAddress:   r.PayoutAddress,
			PayoutCurrency:  r.PayoutCurrency,
			PayoutAmount:    r.PayoutAmount,
			Timestamp:       r.Timestamp,
			IsoDate:         r.IsoDate,
			USDValue:        r.USDValue,
			RawTx:           r.RawTx,
			CountryCode:     r.CountryCode,
			Direction:       r.Direction,
			ExchangeType:    r.ExchangeType,
			PaymentType:     r.PaymentType,
		},
	}
}

func (s *ClickHouse) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.conn.Query(ctx, `SELECT DISTINCT key FROM tx WHERE has(?, key)`, keys)
	if err != nil {
		return nil, fmt.Errorf("existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = true
	}
	return out, rows.Err()
}

// InsertRecords uses a single batch insert; ClickHouse strongly prefers few large inserts.
func (s *ClickHouse) InsertRecords(ctx context.Context, docs []models.TxDoc) error {
	if len(docs) == 0 {
		return nil
	}
	for i := range docs {
		docs[i].Revision = 1
	}
	return s.appendRecords(ctx, docs)
}

func (s *ClickHouse) appendRecords(ctx context.Context, docs []models.TxDoc) error {
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO tx (`+txColumns+`)`)
	if err != nil {
		return err
	}

	for _, d := range docs {
		t := d.Tx
		err := batch.Append(
			d.Key, d.Tenant, d.Source, d.Revision, t.OrderID, string(t.Status),
			t.DepositTxid, t.DepositAddress, t.DepositCurrency, t.DepositAmount,
			t.PayoutTxid, t.PayoutAddress, t.PayoutCurrency, t.PayoutAmount,
			t.Timestamp, t.IsoDate, t.USDValue, t.RawTx,
			t.CountryCode, t.Direction, t.ExchangeType, t.PaymentType,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *ClickHouse) RangeRecords(ctx context.Context, tenant, source string, from, to int64) ([]models.StandardTx, error) {
	var rows []txRow
	err := s.conn.Select(ctx, &rows, `
		SELECT `+txColumns+`
		FROM tx FINAL
		WHERE tenant = ? AND source = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`,
		tenant, source, float64(from), float64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("range records %s/%s: %w", tenant, source, err)
	}

	out := make([]models.StandardTx, len(rows))
	for i, r := range rows {
		out[i] = r.doc().Tx
	}
	return out, nil
}

func (s *ClickHouse) FindIncomplete(ctx context.Context, d Deficiency, bookmark string, limit int) (Page, error) {
	cond := `usd_value < 0`
	if d == MissingPayout {
		cond = `payout_amount = 0 AND deposit_amount > 0`
	}

	var rows []txRow
	err := s.conn.Select(ctx, &rows, `
		SELECT `+txColumns+`
		FROM tx FINAL
		WHERE status = 'complete' AND `+cond+` AND key > ?
		ORDER BY key
		LIMIT ?`,
		DecodeBookmark(bookmark), limit,
	)
	if err != nil {
		return Page{}, fmt.Errorf("find %s: %w", d, err)
	}

	page := Page{Docs: make([]models.TxDoc, len(rows))}
	for i, r := range rows {
		page.Docs[i] = r.doc()
	}
	if len(rows) == limit && limit > 0 {
		page.Bookmark = EncodeBookmark(rows[len(rows)-1].Key)
	}
	return page, nil
}

func (s *ClickHouse) recordRevisions(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT key, max(revision) FROM tx WHERE has(?, key) GROUP BY key`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k   string
			rev uint64
		)
		if err := rows.Scan(&k, &rev); err != nil {
			return nil, err
		}
		out[k] = rev
	}
	return out, rows.Err()
}

func (s *ClickHouse) UpdateRecords(ctx context.Context, docs []models.TxDoc) (BulkResult, error) {
	var (
		res  BulkResult
		keys []string
	)
	for _, d := range docs {
		if d.Key != "" {
			keys = append(keys, d.Key)
		}
	}

	current, err := s.recordRevisions(ctx, keys)
	if err != nil {
		return res, fmt.Errorf("record revisions: %w", err)
	}

	write := make([]models.TxDoc, 0, len(keys))
	for _, d := range docs {
		if d.Key == "" {
			res.Skipped++
			continue
		}
		stored, ok := current[d.Key]
		if !ok {
			res.Skipped++
			continue
		}
		if stored != d.Revision {
			res.Conflicts = append(res.Conflicts, d.Key)
			continue
		}
		d.Revision = stored + 1
		write = append(write, d)
	}

	if len(write) == 0 {
		return res, nil
	}
	if err := s.appendRecords(ctx, write); err != nil {
		return res, fmt.Errorf("write corrections: %w", err)
	}
	res.Written = len(write)
	return res, nil
}

type rollupRow struct {
	Key           string             `ch:"key"`
	Tenant        string             `ch:"tenant"`
	Source        string             `ch:"source"`
	Period        string             `ch:"period"`
	Revision      uint64             `ch:"revision"`
	Start         int64              `ch:"start"`
	IsoDate       string             `ch:"iso_date"`
	USDValue      float64            `ch:"usd_value"`
	NumTxs        int64              `ch:"num_txs"`
	CurrencyCodes map[string]float64 `ch:"currency_codes"`
	CurrencyPairs map[string]float64 `ch:"currency_pairs"`
}

const rollupColumns = `key, tenant, source, period, revision, start, iso_date,
	usd_value, num_txs, currency_codes, currency_pairs`

func (s *ClickHouse) RollupRevisions(ctx context.Context, period string, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx,
		`SELECT key, max(revision) FROM rollup WHERE period = ? AND has(?, key) GROUP BY key`,
		period, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("rollup revisions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k   string
			rev uint64
		)
		if err := rows.Scan(&k, &rev); err != nil {
			return nil, err
		}
		out[k] = rev
	}
	return out, rows.Err()
}

// PutRollups expects every doc in one call to share a period.
func (s *ClickHouse) PutRollups(ctx context.Context, docs []models.Rollup) (BulkResult, error) {
	var res BulkResult
	if len(docs) == 0 {
		return res, nil
	}

	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = d.Key
	}
	current, err := s.RollupRevisions(ctx, docs[0].Period, keys)
	if err != nil {
		return res, err
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO rollup (`+rollupColumns+`)`)
	if err != nil {
		return res, err
	}

	for _, d := range docs {
		stored, exists := current[d.Key]
		next, ok := nextRevision(stored, exists, d.Revision)
		if !ok {
			res.Conflicts = append(res.Conflicts, d.Key)
			continue
		}
		err := batch.Append(
			d.Key, d.Tenant, d.Source, d.Period, next, d.Start, d.IsoDate,
			d.USDValue, d.NumTxs, d.CurrencyCodes, d.CurrencyPairs,
		)
		if err != nil {
			return res, err
		}
		res.Written++
	}

	if res.Written == 0 {
		_ = batch.Abort()
		return res, nil
	}
	if err := batch.Send(); err != nil {
		res.Written = 0
		return res, err
	}
	return res, nil
}

func (s *ClickHouse) RangeRollups(ctx context.Context, tenant, source, period string, start, end int64) ([]models.Rollup, error) {
	var rows []rollupRow
	err := s.conn.Select(ctx, &rows, `
		SELECT `+rollupColumns+`
		FROM rollup FINAL
		WHERE tenant = ? AND source = ? AND period = ? AND start >= ? AND start <= ?
		ORDER BY start`,
		tenant, source, period, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("range rollups: %w", err)
	}

	out := make([]models.Rollup, len(rows))
	for i, r := range rows {
		out[i] = models.Rollup{
			Key:      r.Key,
			Tenant:   r.Tenant,
			Source:   r.Source,
			Period:   r.Period,
			Revision: r.Revision,
			Bucket: models.Bucket{
				Start:         r.Start,
				IsoDate:       r.IsoDate,
				USDValue:      r.USDValue,
				NumTxs:        r.NumTxs,
				CurrencyCodes: r.CurrencyCodes,
				CurrencyPairs: r.CurrencyPairs,
			},
		}
	}
	return out, nil
}
