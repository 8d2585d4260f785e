// Package db provides database adapters for the import target store. Two
// implementations exist behind the same Store/Batch interfaces: Postgres
// (pgx, with COPY as the bulk-load fast path) and MSSQL (database/sql with
// the go-mssqldb bulk-copy statement).
//
// The interfaces expose exactly the three primitives the pipeline relies on:
// a bulk-load path for row-oriented copy-in, parameterized upserts for small
// conflict-resolving tables, and read queries for preloading dimension rows.
// Everything else (drivers, placeholder styles, DDL) stays inside the
// adapters.
package db

import (
	"context"

	"itemdb/internal/record"
)

// ItemRow is one core entity row.
type ItemRow struct {
	AOID       int64
	Name       string
	SearchName string
	QL         int
	IsNano     bool
}

// ItemResult reports the outcome of an item upsert batch.
type ItemResult struct {
	// IDs maps natural id (AOID) to the store's surrogate id.
	IDs     map[int64]int64
	Created int64
	Updated int64
}

// ItemStatRow is one dimension-junction row.
type ItemStatRow struct {
	ItemID      int64
	StatValueID int64
}

// SpellRow is one flattened spell entry.
type SpellRow struct {
	ItemID  int64
	EventID int
	SpellID int
	Params  string
}

// ActionRow is one flattened action entry.
type ActionRow struct {
	ItemID   int64
	ActionID int
	Criteria string
}

// CrystalRow is one nano→crystal relationship edge, already resolved to
// surrogate ids.
type CrystalRow struct {
	NanoID    int64
	CrystalID int64
}

// Store is a connection to the target schema.
type Store interface {
	// EnsureSchema creates the target tables when absent.
	EnsureSchema(ctx context.Context) error
	// ResetSchema destructively clears all imported data.
	ResetSchema(ctx context.Context) error

	// CreateStatValues idempotently inserts dimension rows for keys; rows
	// that already exist are left untouched (insert-if-absent).
	CreateStatValues(ctx context.Context, keys []record.StatValue) error
	// FetchStatValues returns the surrogate ids of the given dimension keys.
	// Keys with no row are simply absent from the result.
	FetchStatValues(ctx context.Context, keys []record.StatValue) (map[record.StatValue]int64, error)

	// ResolveItems returns aoid→surrogate id for the given natural ids.
	ResolveItems(ctx context.Context, aoids []int64) (map[int64]int64, error)
	// CountItems reports the number of entity rows, used by run summaries.
	CountItems(ctx context.Context) (int64, error)

	// Begin opens one batch transaction.
	Begin(ctx context.Context) (Batch, error)
	Close(ctx context.Context) error
}

// Batch is one batch transaction: every write within it commits or rolls
// back as a unit.
type Batch interface {
	UpsertItems(ctx context.Context, rows []ItemRow) (*ItemResult, error)
	CopyItemStats(ctx context.Context, rows []ItemStatRow) (int64, error)
	CopyItemSpells(ctx context.Context, rows []SpellRow) (int64, error)
	CopyItemActions(ctx context.Context, rows []ActionRow) (int64, error)
	UpsertNanoCrystals(ctx context.Context, rows []CrystalRow) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
