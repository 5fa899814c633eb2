// Package storage persists canonical records, checkpoints and rollups.
//
// Records and rollups live in ClickHouse, checkpoints and coordination keys in
// Redis. Memory implements every interface for tests and local runs.
// Implementations must be safe for concurrent use.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/navid-fn/txradar/internal/models"
)

var (
	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the expected revision did not match the stored one.
	ErrConflict = errors.New("revision conflict")

	// ErrMalformed means the stored document could not be decoded.
	ErrMalformed = errors.New("malformed document")
)

// Deficiency selects which broken records FindIncomplete returns.
type Deficiency int

const (
	// MissingUSD: complete records whose usd value is unknown.
	MissingUSD Deficiency = iota
	// MissingPayout: complete records with a deposit but no payout amount.
	MissingPayout
)

func (d Deficiency) String() string {
	if d == MissingPayout {
		return "missing_payout"
	}
	return "missing_usd"
}

// Page is one slice of a bookmarked scan. An empty Bookmark means the scan is done.
type Page struct {
	Docs     []models.TxDoc
	Bookmark string
}

// BulkResult reports a bulk write. Conflicts lists keys whose revision was stale.
type BulkResult struct {
	Written   int
	Skipped   int
	Conflicts []string
}

// RecordStore holds canonical records keyed by models.TxKey.
type RecordStore interface {
	// ExistingKeys returns the subset of keys already stored.
	ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error)

	// InsertRecords creates docs at revision 1. Callers filter out existing keys first.
	InsertRecords(ctx context.Context, docs []models.TxDoc) error

	// RangeRecords returns one pair's records with from <= timestamp < to, sorted by timestamp.
	RangeRecords(ctx context.Context, tenant, source string, from, to int64) ([]models.StandardTx, error)

	// FindIncomplete pages through complete records with the given deficiency, ordered by key.
	FindIncomplete(ctx context.Context, d Deficiency, bookmark string, limit int) (Page, error)

	// UpdateRecords writes corrections. Docs with an empty Key are skipped;
	// a doc whose Revision is stale is reported in Conflicts and not written.
	UpdateRecords(ctx context.Context, docs []models.TxDoc) (BulkResult, error)
}

// CheckpointStore holds one checkpoint per (tenant, source).
type CheckpointStore interface {
	// GetCheckpoint returns ErrNotFound when absent. On ErrMalformed the returned
	// checkpoint still carries the stored revision so it can be overwritten.
	GetCheckpoint(ctx context.Context, tenant, source string) (models.Checkpoint, error)

	// PutCheckpoint writes cp if the stored revision equals cp.Revision
	// (zero meaning "create") and returns the checkpoint at its new revision.
	PutCheckpoint(ctx context.Context, cp models.Checkpoint) (models.Checkpoint, error)
}

// RollupStore holds rollups, one key space per period.
type RollupStore interface {
	// RollupRevisions returns the stored revision of every key that exists.
	RollupRevisions(ctx context.Context, period string, keys []string) (map[string]uint64, error)

	// PutRollups writes docs with the same revision rule as PutCheckpoint.
	PutRollups(ctx context.Context, docs []models.Rollup) (BulkResult, error)

	// RangeRollups returns one pair's rollups with start <= Start <= end, sorted by Start.
	RangeRollups(ctx context.Context, tenant, source, period string, start, end int64) ([]models.Rollup, error)
}

// MarkerStore records one-time facts such as "rollups initialized".
type MarkerStore interface {
	IsMarked(ctx context.Context, name string) (bool, error)
	Mark(ctx context.Context, name string) error
}

// Locker provides a best-effort cross-process mutex with a TTL.
type Locker interface {
	// TryLock returns ok=false when someone else holds name.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// CurrencyOverrides supplies the configurable part of the currency table.
type CurrencyOverrides interface {
	CurrencyOverrides(ctx context.Context) (map[string]string, error)
}

// EncodeBookmark makes a resume key opaque to callers.
func EncodeBookmark(key string) string {
	if key == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeBookmark reverses EncodeBookmark. An invalid bookmark restarts the scan.
func DecodeBookmark(bookmark string) string {
	b, err := base64.RawURLEncoding.DecodeString(bookmark)
	if err != nil {
		return ""
	}
	return string(b)
}

// nextRevision applies the shared create-or-update rule and reports whether the write may proceed.
func nextRevision(stored uint64, exists bool, expected uint64) (uint64, bool) {
	if !exists {
		return 1, expected == 0
	}
	return stored + 1, stored == expected
}
