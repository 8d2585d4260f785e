package importer

import (
	"context"
	"errors"
	"sync"

	"itemdb/internal/db"
	"itemdb/internal/record"
)

// memStore is an in-memory db.Store shared by the importer and orchestrator
// tests. Writes stage inside a batch and land only on Commit, so rollback
// and batch atomicity are observable. All methods are safe for the worker
// pool used by the entity pass.
type memStore struct {
	mu sync.Mutex

	dims     map[record.StatValue]int64
	nextDim  int64
	items    map[int64]int64
	itemRows map[int64]db.ItemRow
	nextItem int64

	stats    []db.ItemStatRow
	spells   []db.SpellRow
	actions  []db.ActionRow
	crystals []db.CrystalRow

	schemaEnsured bool
	schemaReset   bool

	// failBatches makes the first N batch commits fail.
	failBatches int
}

func newMemStore() *memStore {
	return &memStore{
		dims:     map[record.StatValue]int64{},
		nextDim:  1,
		items:    map[int64]int64{},
		itemRows: map[int64]db.ItemRow{},
		nextItem: 1,
	}
}

func (m *memStore) EnsureSchema(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaEnsured = true
	return nil
}

func (m *memStore) ResetSchema(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaReset = true
	m.items = map[int64]int64{}
	m.itemRows = map[int64]db.ItemRow{}
	m.stats, m.spells, m.actions, m.crystals = nil, nil, nil, nil
	return nil
}

func (m *memStore) Close(context.Context) error { return nil }

func (m *memStore) CreateStatValues(_ context.Context, keys []record.StatValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, ok := m.dims[k]; !ok {
			m.dims[k] = m.nextDim
			m.nextDim++
		}
	}
	return nil
}

func (m *memStore) FetchStatValues(_ context.Context, keys []record.StatValue) (map[record.StatValue]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[record.StatValue]int64{}
	for _, k := range keys {
		if id, ok := m.dims[k]; ok {
			out[k] = id
		}
	}
	return out, nil
}

func (m *memStore) ResolveItems(_ context.Context, aoids []int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]int64{}
	for _, a := range aoids {
		if id, ok := m.items[a]; ok {
			out[a] = id
		}
	}
	return out, nil
}

func (m *memStore) CountItems(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *memStore) Begin(context.Context) (db.Batch, error) {
	return &memBatch{store: m}, nil
}

type memBatch struct {
	store *memStore

	newItems map[int64]int64
	itemRows []db.ItemRow
	stats    []db.ItemStatRow
	spells   []db.SpellRow
	actions  []db.ActionRow
	crystals []db.CrystalRow
}

func (b *memBatch) UpsertItems(_ context.Context, rows []db.ItemRow) (*db.ItemResult, error) {
	m := b.store
	m.mu.Lock()
	defer m.mu.Unlock()
	b.newItems = map[int64]int64{}
	res := &db.ItemResult{IDs: map[int64]int64{}}
	for _, r := range rows {
		if id, ok := m.items[r.AOID]; ok {
			res.IDs[r.AOID] = id
			res.Updated++
		} else {
			id := m.nextItem
			m.nextItem++
			b.newItems[r.AOID] = id
			res.IDs[r.AOID] = id
			res.Created++
		}
	}
	b.itemRows = rows
	return res, nil
}

func (b *memBatch) CopyItemStats(_ context.Context, rows []db.ItemStatRow) (int64, error) {
	b.stats = rows
	return int64(len(rows)), nil
}

func (b *memBatch) CopyItemSpells(_ context.Context, rows []db.SpellRow) (int64, error) {
	b.spells = rows
	return int64(len(rows)), nil
}

func (b *memBatch) CopyItemActions(_ context.Context, rows []db.ActionRow) (int64, error) {
	b.actions = rows
	return int64(len(rows)), nil
}

func (b *memBatch) UpsertNanoCrystals(_ context.Context, rows []db.CrystalRow) (int64, error) {
	b.crystals = rows
	return int64(len(rows)), nil
}

func (b *memBatch) Commit(context.Context) error {
	m := b.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBatches > 0 {
		m.failBatches--
		return errors.New("injected commit failure")
	}
	for aoid, id := range b.newItems {
		m.items[aoid] = id
	}
	for _, r := range b.itemRows {
		m.itemRows[r.AOID] = r
	}
	m.stats = append(m.stats, b.stats...)
	m.spells = append(m.spells, b.spells...)
	m.actions = append(m.actions, b.actions...)
	m.crystals = append(m.crystals, b.crystals...)
	return nil
}

func (b *memBatch) Rollback(context.Context) error { return nil }

// statRowsOf returns the dimension keys attached to one item, for
// assertions on junction content.
func (m *memStore) statRowsOf(aoid int64) []record.StatValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.items[aoid]
	if !ok {
		return nil
	}
	rev := map[int64]record.StatValue{}
	for k, dimID := range m.dims {
		rev[dimID] = k
	}
	var out []record.StatValue
	for _, sr := range m.stats {
		if sr.ItemID == id {
			out = append(out, rev[sr.StatValueID])
		}
	}
	return out
}
