// Package dimension maintains the process-lifetime get-or-create cache over
// the stat_values dimension table. Many entities share the same (stat, value)
// pair; the cache guarantees each pair resolves to exactly one surrogate id
// for the whole run without a per-record round trip.
//
// The cache is an explicitly constructed, explicitly passed object rather
// than a package-level singleton, so tests build an isolated instance. It is
// the one component shared across concurrent entity-pass batches and is safe
// for concurrent Get/Preload; the store's unique constraint on (stat, value)
// is the final backstop against duplicate rows when overlapping Preloads
// race, with the cache's own lock as the fast path.
package dimension

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"itemdb/internal/record"
)

// ErrMissingKey reports a key that should have been preloaded but was not
// found at resolve time. This is an internal invariant violation (a
// batching/ordering bug), never a data problem, so callers must treat it as
// fatal rather than as "value absent".
var ErrMissingKey = errors.New("dimension: key missing after preload")

// Store is the slice of the target store the cache needs: idempotent
// creation plus lookup of dimension rows.
type Store interface {
	CreateStatValues(ctx context.Context, keys []record.StatValue) error
	FetchStatValues(ctx context.Context, keys []record.StatValue) (map[record.StatValue]int64, error)
}

// Cache is the in-memory (stat, value) → surrogate id map.
type Cache struct {
	store Store

	mu  sync.RWMutex
	ids map[record.StatValue]int64

	preloads  int64
	roundtrip int64 // preloads that actually reached the store
}

// NewCache builds an empty cache over store.
func NewCache(store Store) *Cache {
	return &Cache{store: store, ids: make(map[record.StatValue]int64)}
}

// Preload makes every key in keys resolvable via Get. Keys already cached
// cost nothing; missing keys are created (insert-if-absent) and fetched in
// one bulk round trip pair. After Preload returns nil, Get is guaranteed to
// succeed for every key in keys.
func (c *Cache) Preload(ctx context.Context, keys []record.StatValue) error {
	c.mu.RLock()
	missing := make([]record.StatValue, 0, len(keys))
	seen := make(map[record.StatValue]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := c.ids[k]; !ok {
			missing = append(missing, k)
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	c.preloads++
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	// Outside the lock: concurrent Preloads may both create overlapping
	// keys, which is harmless because creation is insert-if-absent and the
	// fetch returns the single existing row either way.
	if err := c.store.CreateStatValues(ctx, missing); err != nil {
		return fmt.Errorf("dimension preload create: %w", err)
	}
	fetched, err := c.store.FetchStatValues(ctx, missing)
	if err != nil {
		return fmt.Errorf("dimension preload fetch: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.roundtrip++
	for k, id := range fetched {
		if prev, ok := c.ids[k]; ok && prev != id {
			// Two ids for one key would corrupt every junction row written
			// from here on. Fail the run.
			return fmt.Errorf("dimension cache: key (%d,%d) resolved to id %d, was %d",
				k.Stat, k.Value, id, prev)
		}
		c.ids[k] = id
	}
	for _, k := range missing {
		if _, ok := c.ids[k]; !ok {
			return fmt.Errorf("%w: (%d,%d) absent after store round trip", ErrMissingKey, k.Stat, k.Value)
		}
	}
	return nil
}

// Get is a pure in-memory lookup; it never reaches the store.
func (c *Cache) Get(stat int, value int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[record.StatValue{Stat: stat, Value: value}]
	return id, ok
}

// Resolve returns the surrogate id for k, or ErrMissingKey when the key was
// never preloaded.
func (c *Cache) Resolve(k record.StatValue) (int64, error) {
	if id, ok := c.Get(k.Stat, k.Value); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: (%d,%d)", ErrMissingKey, k.Stat, k.Value)
}

// Len reports the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// LogStats emits a one-line cache summary.
func (c *Cache) LogStats() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log.Printf("dimension cache: keys=%d preloads=%d store_roundtrips=%d",
		len(c.ids), c.preloads, c.roundtrip)
}
