package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxKey(t *testing.T) {
	assert.Equal(t, "edge_changenow:abc123", TxKey("edge", "changenow", "ABC123"))
	assert.Equal(t, "edge_changenow:abc123", TxKey("Edge", "ChangeNow", "abc123"))
}

func TestISODate(t *testing.T) {
	assert.Equal(t, "2023-01-01T00:00:00.000Z", ISODate(1672531200))
	assert.Equal(t, "2023-01-01T00:00:00.500Z", ISODate(1672531200.5))
}

func TestParseISODate(t *testing.T) {
	ts, err := ParseISODate("2023-01-01T00:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, 1672531200.0, ts)

	ts, err = ParseISODate("2023-01-01T01:00:00+01:00")
	require.NoError(t, err)
	assert.Equal(t, 1672531200.0, ts)

	_, err = ParseISODate("yesterday")
	assert.Error(t, err)
}

func TestNormalizeTx(t *testing.T) {
	testCases := []struct {
		name    string
		in      StandardTx
		wantErr bool
		check   func(t *testing.T, tx StandardTx)
	}{
		{
			name: "timestamp wins over isoDate",
			in:   StandardTx{OrderID: " AbC ", Status: StatusComplete, Timestamp: 1672531200, IsoDate: "1999-01-01T00:00:00Z", USDValue: 10},
			check: func(t *testing.T, tx StandardTx) {
				assert.Equal(t, "abc", tx.OrderID)
				assert.Equal(t, "2023-01-01T00:00:00.000Z", tx.IsoDate)
				assert.Equal(t, 10.0, tx.USDValue)
			},
		},
		{
			name: "isoDate fills timestamp",
			in:   StandardTx{OrderID: "x", Status: StatusPending, IsoDate: "2023-01-01T00:00:00Z", USDValue: 1},
			check: func(t *testing.T, tx StandardTx) {
				assert.Equal(t, 1672531200.0, tx.Timestamp)
				assert.Equal(t, "2023-01-01T00:00:00.000Z", tx.IsoDate)
			},
		},
		{
			name: "NaN usd becomes unknown",
			in:   StandardTx{OrderID: "x", Status: StatusComplete, Timestamp: 1, USDValue: math.NaN()},
			check: func(t *testing.T, tx StandardTx) {
				assert.Equal(t, UnknownUSD, tx.USDValue)
				assert.False(t, tx.HasUSDValue())
			},
		},
		{
			name: "zero usd is kept",
			in:   StandardTx{OrderID: "x", Status: StatusComplete, Timestamp: 1},
			check: func(t *testing.T, tx StandardTx) {
				assert.Equal(t, 0.0, tx.USDValue)
				assert.True(t, tx.HasUSDValue())
			},
		},
		{
			name: "unknown status folds to other",
			in:   StandardTx{OrderID: "x", Status: "waiting", Timestamp: 1},
			check: func(t *testing.T, tx StandardTx) {
				assert.Equal(t, StatusOther, tx.Status)
			},
		},
		{name: "missing id", in: StandardTx{Timestamp: 1}, wantErr: true},
		{name: "missing time", in: StandardTx{OrderID: "x"}, wantErr: true},
		{name: "bad isoDate", in: StandardTx{OrderID: "x", IsoDate: "soon"}, wantErr: true},
		{name: "corrupted amount", in: StandardTx{OrderID: "x", Timestamp: 1, DepositAmount: math.Inf(1)}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeTx(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, got)
		})
	}
}

func TestRollupKey(t *testing.T) {
	assert.Equal(t, "edge_changenow:2023-01-01T00:00:00.000Z", RollupKey("Edge", "changenow", "2023-01-01T00:00:00.000Z"))
}
