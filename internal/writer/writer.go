// Package writer converts validated canonical records into target-schema
// rows and performs the bulk write. One batch is one transaction: either all
// of a batch's rows commit or none do.
//
// Write order inside a batch follows the schema's reference chain: dimension
// rows are preloaded through the shared cache before the transaction opens,
// items go first (the upsert also yields the aoid→surrogate mapping), then
// the dependent junction/spell/action rows via the store's bulk-copy path.
// Nano→crystal edges are not written here; they are returned to the caller,
// which buffers them for the relationship pass.
package writer

import (
	"context"
	"fmt"
	"log"
	"time"

	"itemdb/internal/db"
	"itemdb/internal/dimension"
	"itemdb/internal/metrics"
	"itemdb/internal/record"
)

// Edge is one unresolved nano→crystal relationship, in natural ids.
type Edge struct {
	NanoAOID    int64
	CrystalAOID int64
}

// Result carries per-call write counts and timing for throughput reporting.
type Result struct {
	Created int64
	Updated int64
	Skipped int64
	Elapsed time.Duration
}

// Add merges o into r, keeping the summed elapsed time.
func (r *Result) Add(o *Result) {
	if o == nil {
		return
	}
	r.Created += o.Created
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Elapsed += o.Elapsed
}

// Writer performs batch writes against one Store through one shared
// dimension cache. DryRun computes rows and counts without touching the
// store.
type Writer struct {
	store  db.Store
	cache  *dimension.Cache
	DryRun bool
}

func New(store db.Store, cache *dimension.Cache) *Writer {
	return &Writer{store: store, cache: cache}
}

// WriteBatch writes one batch of records and returns the write result plus
// the relationship edges the batch produced (buffered, never written here).
func (w *Writer) WriteBatch(ctx context.Context, recs []*record.Record) (*Result, []Edge, error) {
	start := time.Now()
	res := &Result{}
	edges := collectEdges(recs)

	if len(recs) == 0 {
		return res, edges, nil
	}
	if w.DryRun {
		res.Skipped = int64(len(recs))
		res.Elapsed = time.Since(start)
		return res, edges, nil
	}

	// Dimension keys first: after Preload returns, every well-formed key of
	// this batch resolves in memory. A miss below is a cache bug, not data.
	if err := w.cache.Preload(ctx, collectKeys(recs)); err != nil {
		return nil, nil, err
	}

	batch, err := w.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer batch.Rollback(ctx) // no-op after Commit

	itemRows := make([]db.ItemRow, len(recs))
	for i, r := range recs {
		itemRows[i] = db.ItemRow{
			AOID:       r.NaturalID,
			Name:       r.Name,
			SearchName: r.SearchName,
			QL:         r.QualityLevel,
			IsNano:     r.IsNano,
		}
	}
	itemRes, err := batch.UpsertItems(ctx, itemRows)
	if err != nil {
		return nil, nil, err
	}
	res.Created = itemRes.Created
	res.Updated = itemRes.Updated

	statRows, spellRows, actionRows, err := w.dependentRows(recs, itemRes.IDs)
	if err != nil {
		return nil, nil, err
	}
	if _, err := batch.CopyItemStats(ctx, statRows); err != nil {
		return nil, nil, err
	}
	if _, err := batch.CopyItemSpells(ctx, spellRows); err != nil {
		return nil, nil, err
	}
	if _, err := batch.CopyItemActions(ctx, actionRows); err != nil {
		return nil, nil, err
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit batch: %w", err)
	}

	res.Elapsed = time.Since(start)
	metrics.RecordRows("created", res.Created)
	metrics.RecordRows("updated", res.Updated)
	log.Printf("writer: batch committed items=%d created=%d updated=%d stats=%d spells=%d actions=%d elapsed=%s",
		len(recs), res.Created, res.Updated, len(statRows), len(spellRows), len(actionRows),
		res.Elapsed.Truncate(time.Millisecond))
	return res, edges, nil
}

// dependentRows builds the junction/spell/action rows for a committed item
// batch. Every record is expected to have a surrogate id; a hole in the map
// means the upsert dropped a row and the batch must fail.
func (w *Writer) dependentRows(recs []*record.Record, ids map[int64]int64) ([]db.ItemStatRow, []db.SpellRow, []db.ActionRow, error) {
	var statRows []db.ItemStatRow
	var spellRows []db.SpellRow
	var actionRows []db.ActionRow

	for _, r := range recs {
		itemID, ok := ids[r.NaturalID]
		if !ok {
			return nil, nil, nil, fmt.Errorf("item aoid=%d missing from upsert result", r.NaturalID)
		}
		seen := make(map[int64]struct{}, len(r.Stats))
		for _, sv := range r.Stats {
			dimID, err := w.cache.Resolve(sv)
			if err != nil {
				return nil, nil, nil, err
			}
			// A record can repeat a (stat,value) pair; the junction is unique.
			if _, dup := seen[dimID]; dup {
				continue
			}
			seen[dimID] = struct{}{}
			statRows = append(statRows, db.ItemStatRow{ItemID: itemID, StatValueID: dimID})
		}
		for _, sp := range r.Spells {
			spellRows = append(spellRows, db.SpellRow{
				ItemID: itemID, EventID: sp.EventID, SpellID: sp.SpellID, Params: sp.Params,
			})
		}
		for _, a := range r.Actions {
			actionRows = append(actionRows, db.ActionRow{
				ItemID: itemID, ActionID: a.ActionID, Criteria: a.Criteria,
			})
		}
	}
	return statRows, spellRows, actionRows, nil
}

// WriteEdges resolves buffered edges to surrogate ids and writes the
// relationship rows. Edges whose crystal item does not exist in the store
// are counted as skipped, not failed: the corrections file regularly names
// crystals absent from a partial export.
func (w *Writer) WriteEdges(ctx context.Context, edges []Edge) (*Result, error) {
	start := time.Now()
	res := &Result{}
	if len(edges) == 0 || w.DryRun {
		res.Skipped = int64(len(edges))
		if w.DryRun {
			res.Elapsed = time.Since(start)
		}
		return res, nil
	}

	aoids := make([]int64, 0, len(edges)*2)
	seen := make(map[int64]struct{}, len(edges)*2)
	for _, e := range edges {
		for _, a := range [2]int64{e.NanoAOID, e.CrystalAOID} {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				aoids = append(aoids, a)
			}
		}
	}
	ids, err := w.store.ResolveItems(ctx, aoids)
	if err != nil {
		return nil, err
	}

	rows := make([]db.CrystalRow, 0, len(edges))
	for _, e := range edges {
		nanoID, okN := ids[e.NanoAOID]
		crystalID, okC := ids[e.CrystalAOID]
		if !okN || !okC {
			res.Skipped++
			log.Printf("writer: edge skipped nano=%d crystal=%d (unresolved)", e.NanoAOID, e.CrystalAOID)
			continue
		}
		rows = append(rows, db.CrystalRow{NanoID: nanoID, CrystalID: crystalID})
	}

	batch, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer batch.Rollback(ctx)

	n, err := batch.UpsertNanoCrystals(ctx, rows)
	if err != nil {
		return nil, err
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit edges: %w", err)
	}

	res.Created = n
	res.Elapsed = time.Since(start)
	metrics.RecordRows("edges_resolved", res.Created)
	log.Printf("writer: edges committed resolved=%d skipped=%d elapsed=%s",
		res.Created, res.Skipped, res.Elapsed.Truncate(time.Millisecond))
	return res, nil
}

// collectKeys gathers the distinct dimension keys referenced by a batch.
func collectKeys(recs []*record.Record) []record.StatValue {
	seen := make(map[record.StatValue]struct{})
	var keys []record.StatValue
	for _, r := range recs {
		for _, sv := range r.Stats {
			if _, ok := seen[sv]; ok {
				continue
			}
			seen[sv] = struct{}{}
			keys = append(keys, sv)
		}
	}
	return keys
}

// collectEdges gathers the nano→crystal edges of a batch in natural ids.
func collectEdges(recs []*record.Record) []Edge {
	var edges []Edge
	for _, r := range recs {
		if !r.IsNano {
			continue
		}
		for _, cid := range r.CrystalIDs {
			edges = append(edges, Edge{NanoAOID: r.NaturalID, CrystalAOID: cid})
		}
	}
	return edges
}
