package importer

import (
	"context"
	"strings"
	"testing"

	"itemdb/internal/corrections"
	"itemdb/internal/pipeline"
	"itemdb/internal/record"
)

const itemsJSON = `[
	{"AOID": 1, "Name": "Ofab Cocoon", "QL": 300, "StatValues": [{"Stat": 17, "RawValue": 500}]},
	{"AOID": 1001, "Name": "Nano Crystal (Improved Mongo)", "QL": 100}
]`

const nanosJSON = `[
	{"AOID": 2, "Name": "Improved Mongo", "QL": 100, "item_type": "nano"}
]`

const overlayCSV = "nano_id,ql,strain_id,crystal_ids\n2,150,75,1001\n"

func runOrchestrator(t *testing.T, store *memStore, overlay *corrections.Overlay, opts RunOptions) *Summary {
	t.Helper()
	sources := []Source{
		{Path: writeFile(t, "items.json", itemsJSON), Kind: "items"},
		{Path: writeFile(t, "nanos.json", nanosJSON), Kind: "nanos"},
	}
	sum, err := NewOrchestrator(store, overlay, opts).Run(context.Background(), sources)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sum
}

// TestOrchestrator_EndToEnd imports a small two-file export with a
// correction and checks entities, overrides, and the resolved crystal edge.
func TestOrchestrator_EndToEnd(t *testing.T) {
	overlay, err := corrections.Parse(strings.NewReader(overlayCSV))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	store := newMemStore()
	sum := runOrchestrator(t, store, overlay, RunOptions{
		Options: Options{BatchSize: 500},
		Policy:  pipeline.Strict,
	})

	if sum.TotalItems != 3 || sum.InvalidItems != 0 {
		t.Fatalf("total=%d invalid=%d", sum.TotalItems, sum.InvalidItems)
	}
	if sum.Created != 3 || sum.Updated != 0 {
		t.Fatalf("created=%d updated=%d", sum.Created, sum.Updated)
	}
	if sum.Corrected != 1 {
		t.Fatalf("corrected = %d", sum.Corrected)
	}
	if sum.ItemsInStore != 3 {
		t.Fatalf("items in store = %d", sum.ItemsInStore)
	}
	if !store.schemaEnsured {
		t.Fatalf("schema never ensured")
	}

	// correction applied: QL override and strain assignment
	nano := store.itemRows[2]
	if nano.QL != 150 {
		t.Fatalf("nano QL = %d, want 150", nano.QL)
	}
	strains := store.statRowsOf(2)
	if len(strains) != 1 || strains[0] != (record.StatValue{Stat: record.StrainStat, Value: 75}) {
		t.Fatalf("strain rows = %v", strains)
	}

	// crystal edge resolved across files
	if len(store.crystals) != 1 {
		t.Fatalf("crystal rows = %v", store.crystals)
	}
	if store.crystals[0].NanoID != store.items[2] || store.crystals[0].CrystalID != store.items[1001] {
		t.Fatalf("edge = %+v", store.crystals[0])
	}
}

// TestOrchestrator_Rerun is idempotent at the entity level: the second run
// updates instead of creating.
func TestOrchestrator_Rerun(t *testing.T) {
	store := newMemStore()
	runOrchestrator(t, store, nil, RunOptions{Options: Options{BatchSize: 500}})
	sum := runOrchestrator(t, store, nil, RunOptions{Options: Options{BatchSize: 500}})

	if sum.Created != 0 || sum.Updated != 3 {
		t.Fatalf("rerun created=%d updated=%d", sum.Created, sum.Updated)
	}
	if sum.ItemsInStore != 3 {
		t.Fatalf("items in store = %d", sum.ItemsInStore)
	}
}

// TestOrchestrator_DryRun runs the pipeline but leaves the store untouched.
func TestOrchestrator_DryRun(t *testing.T) {
	store := newMemStore()
	sum := runOrchestrator(t, store, nil, RunOptions{
		Options: Options{BatchSize: 500},
		DryRun:  true,
	})

	if sum.TotalItems != 3 {
		t.Fatalf("total = %d", sum.TotalItems)
	}
	if len(store.items) != 0 || store.schemaEnsured || store.schemaReset {
		t.Fatalf("dry run touched the store: %+v", store)
	}
}

// TestOrchestrator_Clear resets the schema before importing.
func TestOrchestrator_Clear(t *testing.T) {
	store := newMemStore()
	store.items[999] = 1 // stale row from an earlier run
	sum := runOrchestrator(t, store, nil, RunOptions{
		Options: Options{BatchSize: 500},
		Clear:   true,
	})
	if !store.schemaReset {
		t.Fatalf("schema not reset")
	}
	if _, ok := store.items[999]; ok {
		t.Fatalf("stale row survived the reset")
	}
	if sum.Created != 3 {
		t.Fatalf("created = %d", sum.Created)
	}
}

// TestOrchestrator_InvalidCounting: undecodable and incomplete records land
// in invalid_items, valid neighbors still import.
func TestOrchestrator_InvalidCounting(t *testing.T) {
	sources := []Source{{
		Path: writeFile(t, "items.json", `[
			{"AOID": 1, "Name": "good"},
			"not an object",
			{"Name": "no id"}
		]`),
		Kind: "items",
	}}
	store := newMemStore()
	sum, err := NewOrchestrator(store, nil, RunOptions{
		Options: Options{BatchSize: 500},
		Policy:  pipeline.Strict,
	}).Run(context.Background(), sources)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.TotalItems != 3 {
		t.Fatalf("total = %d", sum.TotalItems)
	}
	if sum.InvalidItems != 2 {
		t.Fatalf("invalid = %d", sum.InvalidItems)
	}
	if len(store.items) != 1 {
		t.Fatalf("items = %v", store.items)
	}
}

// TestSummary_JSON renders valid JSON with the reporting fields present.
func TestSummary_JSON(t *testing.T) {
	s := &Summary{TotalItems: 3, Created: 3, ElapsedSeconds: 0.5, ItemsPerSecond: 6}
	out := s.JSON()
	for _, want := range []string{`"total_items": 3`, `"created": 3`, `"items_per_second": 6`} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary JSON missing %q:\n%s", want, out)
		}
	}
}
