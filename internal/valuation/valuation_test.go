package valuation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/txradar/internal/connector"
	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRates answers from a "FROM_TO" table and ErrNoRate otherwise.
type fakeRates struct {
	mu    sync.Mutex
	table map[string]float64
	asked []string
}

func (f *fakeRates) Rate(ctx context.Context, from, to string, ts float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair := from + "_" + to
	f.asked = append(f.asked, pair)
	if r, ok := f.table[pair]; ok {
		return r, nil
	}
	return 0, ErrNoRate
}

const jan10 = 1704864600 // 2024-01-10T05:30:00Z

func brokenTx(id, dep, pay string, depAmt, payAmt, usdValue float64) models.TxDoc {
	return models.TxDoc{
		Key:    models.TxKey("edge", "cn", id),
		Tenant: "edge",
		Source: "cn",
		Tx: models.StandardTx{
			OrderID:         id,
			Status:          models.StatusComplete,
			DepositCurrency: dep,
			PayoutCurrency:  pay,
			DepositAmount:   depAmt,
			PayoutAmount:    payAmt,
			USDValue:        usdValue,
			Timestamp:       jan10,
		},
	}
}

func TestRepairCascade(t *testing.T) {
	tests := []struct {
		name       string
		tx         models.TxDoc
		rates      map[string]float64
		wantPayout float64
		wantUSD    float64
		wantFixed  bool
	}{
		{
			name:       "payout from direct rate",
			tx:         brokenTx("a", "BTC", "ETH", 0.5, 0, 10000),
			rates:      map[string]float64{"BTC_ETH": 20},
			wantPayout: 10, wantUSD: 10000, wantFixed: true,
		},
		{
			name:       "payout from inverse rate",
			tx:         brokenTx("a", "BTC", "ETH", 0.5, 0, 10000),
			rates:      map[string]float64{"ETH_BTC": 0.05},
			wantPayout: 10, wantUSD: 10000, wantFixed: true,
		},
		{
			name:       "payout from usd value",
			tx:         brokenTx("a", "BTC", "ETH", 0.5, 0, 10000),
			rates:      map[string]float64{"USD_ETH": 0.0004},
			wantPayout: 4, wantUSD: 10000, wantFixed: true,
		},
		{
			name:       "payout from inverse usd rate",
			tx:         brokenTx("a", "BTC", "ETH", 0.5, 0, 10000),
			rates:      map[string]float64{"ETH_USD": 2500},
			wantPayout: 4, wantUSD: 10000, wantFixed: true,
		},
		{
			name:       "usd from deposit",
			tx:         brokenTx("a", "DOGE", "ETH", 2, 1, models.UnknownUSD),
			rates:      map[string]float64{"DOGE_USD": 0.1, "ETH_USD": 2500},
			wantPayout: 1, wantUSD: 0.2, wantFixed: true,
		},
		{
			name:       "usd from payout",
			tx:         brokenTx("a", "DOGE", "ETH", 2, 1, models.UnknownUSD),
			rates:      map[string]float64{"ETH_USD": 2500},
			wantPayout: 1, wantUSD: 2500, wantFixed: true,
		},
		{
			name:       "payout repaired first then used for usd",
			tx:         brokenTx("a", "DOGE", "ETH", 100, 0, models.UnknownUSD),
			rates:      map[string]float64{"DOGE_ETH": 0.00004, "ETH_USD": 2500},
			wantPayout: 0.004, wantUSD: 10, wantFixed: true,
		},
		{
			name:       "chain-suffixed ticker is standardized",
			tx:         brokenTx("a", "usdttrc20", "ETH", 50, 1, models.UnknownUSD),
			rates:      map[string]float64{"USDT_USD": 1},
			wantPayout: 1, wantUSD: 50, wantFixed: true,
		},
		{
			name:       "nothing resolves",
			tx:         brokenTx("a", "DOGE", "ETH", 2, 0, models.UnknownUSD),
			rates:      map[string]float64{},
			wantPayout: 0, wantUSD: models.UnknownUSD, wantFixed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(storage.NewMemory(), storage.NewMemory(), &fakeRates{table: tt.rates}, Config{}, discard())
			got, fixed := e.Repair(context.Background(), tt.tx.Tx, connector.NewCurrencyTable(nil))
			assert.Equal(t, tt.wantFixed, fixed)
			assert.InDelta(t, tt.wantPayout, got.PayoutAmount, 1e-9)
			assert.InDelta(t, tt.wantUSD, got.USDValue, 1e-9)
		})
	}
}

func TestRepairRoundsToEightPlaces(t *testing.T) {
	e := New(storage.NewMemory(), storage.NewMemory(), &fakeRates{table: map[string]float64{"BTC_ETH": 1.0 / 3}}, Config{}, discard())
	got, fixed := e.Repair(context.Background(), brokenTx("a", "BTC", "ETH", 1, 0, 5).Tx, connector.NewCurrencyTable(nil))
	require.True(t, fixed)
	assert.Equal(t, 0.33333333, got.PayoutAmount)
}

func TestRepairUsesConfiguredCurrencyTable(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	mem.SetCurrencyOverride("xyzbsc", "xyz")
	require.NoError(t, mem.InsertRecords(ctx, []models.TxDoc{brokenTx("a", "XYZBSC", "ETH", 3, 1, models.UnknownUSD)}))

	rates := &fakeRates{table: map[string]float64{"XYZ_USD": 2}}
	e := New(mem, mem, rates, Config{}, discard())

	report, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fixed)

	doc, _ := mem.Record(models.TxKey("edge", "cn", "a"))
	assert.Equal(t, 6.0, doc.Tx.USDValue)
	assert.Equal(t, "XYZBSC", doc.Tx.DepositCurrency)
	assert.Contains(t, rates.asked, "XYZ_USD")
}

func TestRunPassWritesFixesAndSkipsTheRest(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.InsertRecords(ctx, []models.TxDoc{
		brokenTx("fixable", "DOGE", "ETH", 2, 1, models.UnknownUSD),
		brokenTx("hopeless", "ABC", "DEF", 2, 1, models.UnknownUSD),
	}))

	e := New(mem, mem, &fakeRates{table: map[string]float64{"DOGE_USD": 0.1}}, Config{}, discard())
	report, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, 1, report.Skipped)

	fixed, _ := mem.Record(models.TxKey("edge", "cn", "fixable"))
	assert.Equal(t, 0.2, fixed.Tx.USDValue)
	assert.Equal(t, uint64(2), fixed.Revision)

	hopeless, _ := mem.Record(models.TxKey("edge", "cn", "hopeless"))
	assert.Equal(t, models.UnknownUSD, hopeless.Tx.USDValue)
	assert.Equal(t, uint64(1), hopeless.Revision)
}

func TestRunPassAlternatesAndDrainsBothBacklogs(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	var docs []models.TxDoc
	for i := 0; i < 5; i++ {
		docs = append(docs, brokenTx(fmt.Sprintf("usd%d", i), "DOGE", "ETH", 2, 1, models.UnknownUSD))
	}
	for i := 0; i < 3; i++ {
		docs = append(docs, brokenTx(fmt.Sprintf("pay%d", i), "BTC", "ETH", 1, 0, 100))
	}
	require.NoError(t, mem.InsertRecords(ctx, docs))

	rates := &fakeRates{table: map[string]float64{"DOGE_USD": 0.1, "BTC_ETH": 20}}
	e := New(mem, mem, rates, Config{PageSize: 2}, discard())

	report, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Fixed)
	assert.Equal(t, 5, report.Pages)

	left, err := mem.FindIncomplete(ctx, storage.MissingUSD, "", 100)
	require.NoError(t, err)
	assert.Empty(t, left.Docs)
	left, err = mem.FindIncomplete(ctx, storage.MissingPayout, "", 100)
	require.NoError(t, err)
	assert.Empty(t, left.Docs)

	// Nothing left: the next pass is two empty pages.
	report, err = e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pages)
	assert.Zero(t, report.Fixed)
}

// racingStore bumps every returned record before the engine writes it back.
type racingStore struct {
	*storage.Memory
}

func (r racingStore) FindIncomplete(ctx context.Context, d storage.Deficiency, bookmark string, limit int) (storage.Page, error) {
	page, err := r.Memory.FindIncomplete(ctx, d, bookmark, limit)
	if err != nil {
		return page, err
	}
	if _, err := r.Memory.UpdateRecords(ctx, page.Docs); err != nil {
		return page, err
	}
	return page, nil
}

func TestRunPassReportsConflicts(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.InsertRecords(ctx, []models.TxDoc{brokenTx("a", "DOGE", "ETH", 2, 1, models.UnknownUSD)}))

	e := New(racingStore{mem}, mem, &fakeRates{table: map[string]float64{"DOGE_USD": 0.1}}, Config{}, discard())
	report, err := e.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Fixed)

	doc, _ := mem.Record(models.TxKey("edge", "cn", "a"))
	assert.Equal(t, models.UnknownUSD, doc.Tx.USDValue)
}
