package rollup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/txradar/internal/models"
	"github.com/navid-fn/txradar/internal/storage"
	"github.com/navid-fn/txradar/internal/tenants"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func insertTx(t *testing.T, mem *storage.Memory, id string, at string, usd float64) {
	t.Helper()
	tx, err := models.NormalizeTx(models.StandardTx{
		OrderID:         id,
		Status:          models.StatusComplete,
		DepositCurrency: "DOGE",
		PayoutCurrency:  "ETH",
		Timestamp:       float64(ts(at).Unix()),
		USDValue:        usd,
	})
	require.NoError(t, err)
	require.NoError(t, mem.InsertRecords(context.Background(), []models.TxDoc{{
		Key:    models.TxKey("edge", "cn", id),
		Tenant: "edge",
		Source: "cn",
		Tx:     tx,
	}}))
}

func dir() tenants.StaticDirectory {
	return tenants.StaticDirectory{{ID: "edge", Sources: map[string]map[string]any{"cn": {}}}}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func rollupAt(t *testing.T, mem *storage.Memory, period string, at string) models.Rollup {
	t.Helper()
	start := ts(at).Unix()
	got, err := mem.RangeRollups(context.Background(), "edge", "cn", period, start, start)
	require.NoError(t, err)
	require.Len(t, got, 1, "no %s rollup at %s", period, at)
	return got[0]
}

func TestFirstRunWritesFullHistory(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-01-10T05:30:00Z", 400)
	insertTx(t, mem, "b", "2024-03-01T00:00:00Z", 100)

	c := &clock{now: ts("2024-03-15T12:00:00Z")}
	e := New(dir(), mem, mem, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now}, discard())

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Full)
	assert.True(t, report.MarkerWritten)
	assert.Zero(t, report.FailedBatches)

	marked, _ := mem.IsMarked(ctx, InitializedMarker)
	assert.True(t, marked)

	months, err := mem.RangeRollups(ctx, "edge", "cn", "month", 0, c.now.Unix())
	require.NoError(t, err)
	require.Len(t, months, 3)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", months[0].IsoDate)
	assert.Equal(t, int64(1), months[0].NumTxs)
	assert.Equal(t, 400.0, months[0].USDValue)
	assert.Equal(t, map[string]float64{"DOGE": 200, "ETH": 200}, months[0].CurrencyCodes)
	assert.Equal(t, map[string]float64{"DOGE-ETH": 400}, months[0].CurrencyPairs)
	assert.Equal(t, uint64(1), months[0].Revision)
	assert.Equal(t, "edge_cn:2024-01-01T00:00:00.000Z", months[0].Key)

	hour := rollupAt(t, mem, "hour", "2024-01-10T05:00:00Z")
	assert.Equal(t, int64(1), hour.NumTxs)

	// Empty buckets are stored too.
	days, err := mem.RangeRollups(ctx, "edge", "cn", "day", 0, c.now.Unix())
	require.NoError(t, err)
	assert.Len(t, days, 31+29+15)
}

func TestIncrementalRunOnlyTouchesRecentBuckets(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-01-10T05:30:00Z", 400)
	insertTx(t, mem, "b", "2024-03-01T00:00:00Z", 100)

	c := &clock{now: ts("2024-03-15T12:00:00Z")}
	e := New(dir(), mem, mem, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now}, discard())
	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	insertTx(t, mem, "late", "2024-03-02T10:00:00Z", 50)
	insertTx(t, mem, "new", "2024-03-18T09:15:00Z", 25)
	c.now = ts("2024-03-20T00:00:00Z")

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Full)
	assert.False(t, report.MarkerWritten)
	assert.Equal(t, ts("2024-02-01T00:00:00Z").Unix(), report.WindowStart)

	jan := rollupAt(t, mem, "month", "2024-01-01T00:00:00Z")
	assert.Equal(t, uint64(1), jan.Revision)

	mar := rollupAt(t, mem, "month", "2024-03-01T00:00:00Z")
	assert.Equal(t, uint64(2), mar.Revision)
	assert.Equal(t, int64(3), mar.NumTxs)
	assert.Equal(t, 175.0, mar.USDValue)

	day := rollupAt(t, mem, "day", "2024-03-18T00:00:00Z")
	assert.Equal(t, uint64(1), day.Revision)
	assert.Equal(t, int64(1), day.NumTxs)

	prevMonthDay := rollupAt(t, mem, "day", "2024-02-10T00:00:00Z")
	assert.Equal(t, uint64(2), prevMonthDay.Revision)

	oldDay := rollupAt(t, mem, "day", "2024-01-20T00:00:00Z")
	assert.Equal(t, uint64(1), oldDay.Revision)
}

func TestIncrementalRunAtMonthEndCoversPreviousMonth(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-02-10T05:30:00Z", 400)

	c := &clock{now: ts("2024-03-01T00:00:00Z")}
	e := New(dir(), mem, mem, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now}, discard())
	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	insertTx(t, mem, "late", "2024-02-27T10:00:00Z", 50)
	c.now = ts("2024-03-31T18:00:00Z")

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Full)
	assert.Equal(t, ts("2024-02-01T00:00:00Z").Unix(), report.WindowStart)

	feb := rollupAt(t, mem, "month", "2024-02-01T00:00:00Z")
	assert.Equal(t, int64(2), feb.NumTxs)
	assert.Equal(t, 450.0, feb.USDValue)

	lateDay := rollupAt(t, mem, "day", "2024-02-27T00:00:00Z")
	assert.Equal(t, int64(1), lateDay.NumTxs)
}

func TestFirstRunRecoversFromEarlierPartialRun(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-01-10T05:30:00Z", 400)

	// A previous full run wrote this bucket but never set the marker.
	_, err := mem.PutRollups(ctx, []models.Rollup{{
		Key:    models.RollupKey("edge", "cn", "2024-01-01T00:00:00.000Z"),
		Tenant: "edge", Source: "cn", Period: "month",
		Bucket: models.NewBucket(ts("2024-01-01T00:00:00Z").Unix()),
	}})
	require.NoError(t, err)

	c := &clock{now: ts("2024-01-20T00:00:00Z")}
	e := New(dir(), mem, mem, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now}, discard())
	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.FailedBatches)
	assert.True(t, report.MarkerWritten)

	jan := rollupAt(t, mem, "month", "2024-01-01T00:00:00Z")
	assert.Equal(t, uint64(2), jan.Revision)
	assert.Equal(t, int64(1), jan.NumTxs)
}

type flakyRollups struct {
	*storage.Memory
	failPeriod string
}

func (f *flakyRollups) PutRollups(ctx context.Context, docs []models.Rollup) (storage.BulkResult, error) {
	if len(docs) > 0 && docs[0].Period == f.failPeriod {
		return storage.BulkResult{}, errors.New("clickhouse timeout")
	}
	return f.Memory.PutRollups(ctx, docs)
}

func TestBatchFailureKeepsGoingAndWithholdsMarker(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-01-10T05:30:00Z", 400)

	c := &clock{now: ts("2024-01-03T00:00:00Z")}
	store := &flakyRollups{Memory: mem, failPeriod: "hour"}
	e := New(dir(), mem, store, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now, BatchSize: 10}, discard())

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	// 49 hour buckets in batches of 10.
	assert.Equal(t, 5, report.FailedBatches)
	assert.False(t, report.MarkerWritten)

	marked, _ := mem.IsMarked(ctx, InitializedMarker)
	assert.False(t, marked)

	days, err := mem.RangeRollups(ctx, "edge", "cn", "day", 0, c.now.Unix())
	require.NoError(t, err)
	assert.Len(t, days, 3)

	// The next cycle is still a full one and succeeds once the store recovers.
	store.failPeriod = ""
	report, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Full)
	assert.True(t, report.MarkerWritten)
}

func TestRecordsOfOtherPairsAreIgnored(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	insertTx(t, mem, "a", "2024-01-10T05:30:00Z", 400)
	require.NoError(t, mem.InsertRecords(ctx, []models.TxDoc{{
		Key: "edge_other:x", Tenant: "edge", Source: "other",
		Tx: models.StandardTx{OrderID: "x", Timestamp: float64(ts("2024-01-10T06:00:00Z").Unix()), USDValue: 1},
	}}))

	c := &clock{now: ts("2024-01-31T00:00:00Z")}
	e := New(dir(), mem, mem, mem, Config{EpochStart: ts("2024-01-01T00:00:00Z"), Now: c.Now}, discard())
	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	jan := rollupAt(t, mem, "month", "2024-01-01T00:00:00Z")
	assert.Equal(t, int64(1), jan.NumTxs)

	other, err := mem.RangeRollups(ctx, "edge", "other", "month", 0, c.now.Unix())
	require.NoError(t, err)
	assert.Empty(t, other)
}
