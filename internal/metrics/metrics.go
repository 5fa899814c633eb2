// Package metrics holds the Prometheus collectors shared by the engines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "sync_units_total",
			Help:      "Sync units finished, by source and status.",
		},
		[]string{"source", "status"}, // status: ok/failed/conflict
	)

	RecordsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "records_inserted_total",
			Help:      "New canonical records stored.",
		},
		[]string{"source"},
	)

	RecordsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "records_duplicate_total",
			Help:      "Records skipped because their key already existed.",
		},
		[]string{"source"},
	)

	RollupsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "rollups_written_total",
			Help:      "Rollup documents written.",
		},
		[]string{"period"},
	)

	RollupBatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "rollup_batch_failures_total",
			Help:      "Rollup batches that failed or hit conflicts.",
		},
		[]string{"period", "reason"},
	)

	RepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "valuation_repairs_total",
			Help:      "Valuation repairs, by deficiency and outcome.",
		},
		[]string{"deficiency", "outcome"}, // outcome: fixed/skipped/conflict
	)

	RateLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txradar",
			Name:      "rate_lookups_total",
			Help:      "Rate service lookups, by outcome.",
		},
		[]string{"outcome"}, // outcome: ok/no_rate/failed/open
	)

	LoopLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txradar",
			Name:      "loop_last_run_timestamp_seconds",
			Help:      "Unix time an engine loop last finished an iteration.",
		},
		[]string{"loop"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector on the default registry once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncUnitsTotal,
			RecordsInsertedTotal,
			RecordsDuplicateTotal,
			RollupsWrittenTotal,
			RollupBatchFailuresTotal,
			RepairsTotal,
			RateLookupsTotal,
			LoopLastRun,
		)
	})
}
