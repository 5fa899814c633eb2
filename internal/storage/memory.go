package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/navid-fn/txradar/internal/models"
)

// Memory implements every store interface in process memory.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]models.TxDoc
	checkpoints map[string]models.Checkpoint
	malformed   map[string]uint64
	rollups     map[string]map[string]models.Rollup
	markers     map[string]bool
	locks       map[string]memLock
	currencies  map[string]string
}

type memLock struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]models.TxDoc),
		checkpoints: make(map[string]models.Checkpoint),
		malformed:   make(map[string]uint64),
		rollups:     make(map[string]map[string]models.Rollup),
		markers:     make(map[string]bool),
		locks:       make(map[string]memLock),
		currencies:  make(map[string]string),
	}
}

func (m *Memory) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, k := range keys {
		if _, ok := m.records[k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

func (m *Memory) InsertRecords(ctx context.Context, docs []models.TxDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if _, ok := m.records[d.Key]; ok {
			continue
		}
		d.Revision = 1
		m.records[d.Key] = d
	}
	return nil
}

func (m *Memory) RangeRecords(ctx context.Context, tenant, source string, from, to int64) ([]models.StandardTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StandardTx
	for _, d := range m.records {
		if d.Tenant != tenant || d.Source != source {
			continue
		}
		if d.Tx.Timestamp >= float64(from) && d.Tx.Timestamp < float64(to) {
			out = append(out, d.Tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Memory) FindIncomplete(ctx context.Context, d Deficiency, bookmark string, limit int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	after := DecodeBookmark(bookmark)
	var matched []models.TxDoc
	for _, doc := range m.records {
		if doc.Key > after && isDeficient(doc.Tx, d) {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	page := Page{}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	page.Docs = matched
	if limit > 0 && len(matched) == limit {
		page.Bookmark = EncodeBookmark(matched[len(matched)-1].Key)
	}
	return page, nil
}

func isDeficient(tx models.StandardTx, d Deficiency) bool {
	if tx.Status != models.StatusComplete {
		return false
	}
	if d == MissingPayout {
		return tx.PayoutAmount == 0 && tx.DepositAmount > 0
	}
	return tx.USDValue < 0
}

func (m *Memory) UpdateRecords(ctx context.Context, docs []models.TxDoc) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res BulkResult
	for _, d := range docs {
		if d.Key == "" {
			res.Skipped++
			continue
		}
		cur, ok := m.records[d.Key]
		if !ok {
			res.Skipped++
			continue
		}
		if cur.Revision != d.Revision {
			res.Conflicts = append(res.Conflicts, d.Key)
			continue
		}
		d.Revision = cur.Revision + 1
		m.records[d.Key] = d
		res.Written++
	}
	return res, nil
}

// Record returns a stored record, for tests and tools.
func (m *Memory) Record(key string) (models.TxDoc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[key]
	return d, ok
}

// RecordCount returns the number of stored records.
func (m *Memory) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) GetCheckpoint(ctx context.Context, tenant, source string) (models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id := models.CheckpointID(tenant, source)
	if rev, ok := m.malformed[id]; ok {
		return models.Checkpoint{ID: id, Tenant: tenant, Source: source, Revision: rev}, ErrMalformed
	}
	cp, ok := m.checkpoints[id]
	if !ok {
		return models.Checkpoint{}, ErrNotFound
	}
	cp.Settings = cloneSettings(cp.Settings)
	return cp, nil
}

func (m *Memory) PutCheckpoint(ctx context.Context, cp models.Checkpoint) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := models.CheckpointID(cp.Tenant, cp.Source)

	stored, exists := uint64(0), false
	if rev, ok := m.malformed[id]; ok {
		stored, exists = rev, true
	} else if cur, ok := m.checkpoints[id]; ok {
		stored, exists = cur.Revision, true
	}

	next, ok := nextRevision(stored, exists, cp.Revision)
	if !ok {
		return models.Checkpoint{}, ErrConflict
	}
	delete(m.malformed, id)
	cp.ID = id
	cp.Revision = next
	cp.Settings = cloneSettings(cp.Settings)
	m.checkpoints[id] = cp
	return cp, nil
}

// CorruptCheckpoint stores an undecodable checkpoint at rev, for tests.
func (m *Memory) CorruptCheckpoint(tenant, source string, rev uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := models.CheckpointID(tenant, source)
	delete(m.checkpoints, id)
	m.malformed[id] = rev
}

func (m *Memory) RollupRevisions(ctx context.Context, period string, keys []string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64)
	space := m.rollups[period]
	for _, k := range keys {
		if r, ok := space[k]; ok {
			out[k] = r.Revision
		}
	}
	return out, nil
}

func (m *Memory) PutRollups(ctx context.Context, docs []models.Rollup) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res BulkResult
	for _, d := range docs {
		space := m.rollups[d.Period]
		if space == nil {
			space = make(map[string]models.Rollup)
			m.rollups[d.Period] = space
		}
		cur, exists := space[d.Key]
		next, ok := nextRevision(cur.Revision, exists, d.Revision)
		if !ok {
			res.Conflicts = append(res.Conflicts, d.Key)
			continue
		}
		d.Revision = next
		space[d.Key] = d
		res.Written++
	}
	return res, nil
}

func (m *Memory) RangeRollups(ctx context.Context, tenant, source, period string, start, end int64) ([]models.Rollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rollup
	for _, r := range m.rollups[period] {
		if r.Tenant == tenant && r.Source == source && r.Start >= start && r.Start <= end {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *Memory) IsMarked(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markers[name], nil
}

func (m *Memory) Mark(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[name] = true
	return nil
}

func (m *Memory) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.locks[name]; held && time.Now().Before(l.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.locks[name] = memLock{token: token, expires: time.Now().Add(ttl)}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.locks[name].token == token {
			delete(m.locks, name)
		}
	}, true, nil
}

func (m *Memory) CurrencyOverrides(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.currencies))
	for k, v := range m.currencies {
		out[k] = v
	}
	return out, nil
}

// SetCurrencyOverride adds one entry to the configurable currency table.
func (m *Memory) SetCurrencyOverride(code, standard string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currencies[code] = standard
}

func cloneSettings(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
