// Postgres adapter. Wraps pgxpool while remaining testable via a small
// interface seam (pgPool) that a fake can satisfy without a network.
//
// Bulk strategy:
//   - items: multi-row upsert via unnest arrays with RETURNING, so one round
//     trip both writes the batch and yields the aoid→id mapping plus
//     created/updated counts (xmax = 0 distinguishes fresh inserts).
//   - item_stats / item_spells / item_actions: delete-then-COPY. COPY cannot
//     resolve conflicts, so dependent rows of the batch's items are removed
//     first; on a fresh import the delete is a no-op.
//   - nano_crystals: parameterized upsert (ON CONFLICT DO NOTHING); the
//     table is small relative to the junctions.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"itemdb/internal/record"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS items (
	id          BIGSERIAL PRIMARY KEY,
	aoid        BIGINT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	search_name TEXT NOT NULL DEFAULT '',
	ql          INT NOT NULL,
	is_nano     BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS stat_values (
	id    BIGSERIAL PRIMARY KEY,
	stat  INT NOT NULL,
	value BIGINT NOT NULL,
	UNIQUE (stat, value)
);
CREATE TABLE IF NOT EXISTS item_stats (
	item_id       BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	stat_value_id BIGINT NOT NULL REFERENCES stat_values(id),
	UNIQUE (item_id, stat_value_id)
);
CREATE INDEX IF NOT EXISTS item_stats_stat_value_idx ON item_stats(stat_value_id);
CREATE TABLE IF NOT EXISTS item_spells (
	item_id  BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	event_id INT NOT NULL,
	spell_id INT NOT NULL,
	params   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS item_spells_item_idx ON item_spells(item_id);
CREATE TABLE IF NOT EXISTS item_actions (
	item_id   BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	action_id INT NOT NULL,
	criteria  TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS item_actions_item_idx ON item_actions(item_id);
CREATE TABLE IF NOT EXISTS nano_crystals (
	nano_id    BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	crystal_id BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	UNIQUE (nano_id, crystal_id)
);`

// pgPool is the minimal subset of *pgxpool.Pool used by the adapter. The
// seam allows hermetic tests with a fake that mimics pool behavior.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type pgStore struct{ pool pgPool }

// NewPgStore connects a pgxpool to the given DSN.
func NewPgStore(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

// newPgStoreFromPool constructs a pgStore from a pgPool fake. Test-only.
func newPgStoreFromPool(p pgPool) *pgStore { return &pgStore{pool: p} }

func (s *pgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *pgStore) ResetSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE items, stat_values, item_stats, item_spells, item_actions, nano_crystals
		 RESTART IDENTITY CASCADE`)
	return err
}

func statKeyArrays(keys []record.StatValue) ([]int32, []int64) {
	stats := make([]int32, len(keys))
	values := make([]int64, len(keys))
	for i, k := range keys {
		stats[i] = int32(k.Stat)
		values[i] = k.Value
	}
	return stats, values
}

func (s *pgStore) CreateStatValues(ctx context.Context, keys []record.StatValue) error {
	if len(keys) == 0 {
		return nil
	}
	stats, values := statKeyArrays(keys)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stat_values (stat, value)
		 SELECT * FROM unnest($1::int[], $2::bigint[])
		 ON CONFLICT (stat, value) DO NOTHING`,
		stats, values)
	if err != nil {
		return fmt.Errorf("create stat_values: %w", pgDetail(err))
	}
	return nil
}

func (s *pgStore) FetchStatValues(ctx context.Context, keys []record.StatValue) (map[record.StatValue]int64, error) {
	out := make(map[record.StatValue]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	stats, values := statKeyArrays(keys)
	rows, err := s.pool.Query(ctx,
		`SELECT sv.id, sv.stat, sv.value
		 FROM stat_values sv
		 JOIN unnest($1::int[], $2::bigint[]) AS k(stat, value)
		   ON sv.stat = k.stat AND sv.value = k.value`,
		stats, values)
	if err != nil {
		return nil, fmt.Errorf("fetch stat_values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, value int64
		var stat int32
		if err := rows.Scan(&id, &stat, &value); err != nil {
			return nil, fmt.Errorf("scan stat_values: %w", err)
		}
		out[record.StatValue{Stat: int(stat), Value: value}] = id
	}
	return out, rows.Err()
}

func (s *pgStore) ResolveItems(ctx context.Context, aoids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(aoids))
	if len(aoids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT aoid, id FROM items WHERE aoid = ANY($1)`, aoids)
	if err != nil {
		return nil, fmt.Errorf("resolve items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var aoid, id int64
		if err := rows.Scan(&aoid, &id); err != nil {
			return nil, fmt.Errorf("scan items: %w", err)
		}
		out[aoid] = id
	}
	return out, rows.Err()
}

func (s *pgStore) CountItems(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT count(*) FROM items`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

func (s *pgStore) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &pgBatch{tx: tx}, nil
}

func (s *pgStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// pgBatch is one batch transaction on Postgres.
type pgBatch struct{ tx pgx.Tx }

func (b *pgBatch) UpsertItems(ctx context.Context, rows []ItemRow) (*ItemResult, error) {
	res := &ItemResult{IDs: make(map[int64]int64, len(rows))}
	if len(rows) == 0 {
		return res, nil
	}

	aoids := make([]int64, len(rows))
	names := make([]string, len(rows))
	searchNames := make([]string, len(rows))
	qls := make([]int32, len(rows))
	nanos := make([]bool, len(rows))
	for i, r := range rows {
		aoids[i] = r.AOID
		names[i] = r.Name
		searchNames[i] = r.SearchName
		qls[i] = int32(r.QL)
		nanos[i] = r.IsNano
	}

	qr, err := b.tx.Query(ctx,
		`INSERT INTO items (aoid, name, search_name, ql, is_nano)
		 SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[], $4::int[], $5::boolean[])
		 ON CONFLICT (aoid) DO UPDATE SET
			name = EXCLUDED.name,
			search_name = EXCLUDED.search_name,
			ql = EXCLUDED.ql,
			is_nano = EXCLUDED.is_nano
		 RETURNING aoid, id, (xmax = 0) AS inserted`,
		aoids, names, searchNames, qls, nanos)
	if err != nil {
		return nil, fmt.Errorf("upsert items: %w", pgDetail(err))
	}
	defer qr.Close()
	for qr.Next() {
		var aoid, id int64
		var inserted bool
		if err := qr.Scan(&aoid, &id, &inserted); err != nil {
			return nil, fmt.Errorf("scan upsert items: %w", err)
		}
		res.IDs[aoid] = id
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, qr.Err()
}

// deleteDependents clears prior rows of table for the given item ids so the
// subsequent COPY cannot violate uniqueness on re-imports.
func (b *pgBatch) deleteDependents(ctx context.Context, table string, itemIDs []int64) error {
	_, err := b.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE item_id = ANY($1)`, table), itemIDs)
	if err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

func (b *pgBatch) CopyItemStats(ctx context.Context, rows []ItemStatRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.deleteDependents(ctx, "item_stats", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, r.StatValueID}
	}
	n, err := b.tx.CopyFrom(ctx, pgx.Identifier{"item_stats"},
		[]string{"item_id", "stat_value_id"}, pgx.CopyFromRows(src))
	if err != nil {
		return n, fmt.Errorf("copy item_stats: %w", pgDetail(err))
	}
	return n, nil
}

func (b *pgBatch) CopyItemSpells(ctx context.Context, rows []SpellRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.deleteDependents(ctx, "item_spells", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, int32(r.EventID), int32(r.SpellID), r.Params}
	}
	n, err := b.tx.CopyFrom(ctx, pgx.Identifier{"item_spells"},
		[]string{"item_id", "event_id", "spell_id", "params"}, pgx.CopyFromRows(src))
	if err != nil {
		return n, fmt.Errorf("copy item_spells: %w", pgDetail(err))
	}
	return n, nil
}

func (b *pgBatch) CopyItemActions(ctx context.Context, rows []ActionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.deleteDependents(ctx, "item_actions", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, int32(r.ActionID), r.Criteria}
	}
	n, err := b.tx.CopyFrom(ctx, pgx.Identifier{"item_actions"},
		[]string{"item_id", "action_id", "criteria"}, pgx.CopyFromRows(src))
	if err != nil {
		return n, fmt.Errorf("copy item_actions: %w", pgDetail(err))
	}
	return n, nil
}

func (b *pgBatch) UpsertNanoCrystals(ctx context.Context, rows []CrystalRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	nanoIDs := make([]int64, len(rows))
	crystalIDs := make([]int64, len(rows))
	for i, r := range rows {
		nanoIDs[i] = r.NanoID
		crystalIDs[i] = r.CrystalID
	}
	tag, err := b.tx.Exec(ctx,
		`INSERT INTO nano_crystals (nano_id, crystal_id)
		 SELECT * FROM unnest($1::bigint[], $2::bigint[])
		 ON CONFLICT (nano_id, crystal_id) DO NOTHING`,
		nanoIDs, crystalIDs)
	if err != nil {
		return 0, fmt.Errorf("upsert nano_crystals: %w", pgDetail(err))
	}
	return tag.RowsAffected(), nil
}

func (b *pgBatch) Commit(ctx context.Context) error   { return b.tx.Commit(ctx) }
func (b *pgBatch) Rollback(ctx context.Context) error { return b.tx.Rollback(ctx) }

// itemIDsOf collects the distinct item ids referenced by a row slice.
func itemIDsOf(n int, at func(int) int64) []int64 {
	seen := make(map[int64]struct{}, n)
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id := at(i)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// pgDetail surfaces the Postgres error detail when present; constraint
// violations are far easier to diagnose with it.
func pgDetail(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w (%s: %s)", err, pgErr.SQLState(), pgErr.Detail)
	}
	return err
}
