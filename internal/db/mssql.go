// MSSQL adapter behind database/sql. The junction and spell/action tables go
// through the driver's bulk-copy statement (mssql.CopyIn); item upserts use a
// per-row MERGE, which is slower than the Postgres array upsert but keeps
// conflict semantics identical across both stores.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"itemdb/internal/record"
)

var mssqlSchema = []string{
	`IF OBJECT_ID(N'items', N'U') IS NULL
	CREATE TABLE items (
		id          BIGINT IDENTITY(1,1) PRIMARY KEY,
		aoid        BIGINT NOT NULL UNIQUE,
		name        NVARCHAR(400) NOT NULL,
		search_name NVARCHAR(400) NOT NULL DEFAULT '',
		ql          INT NOT NULL,
		is_nano     BIT NOT NULL DEFAULT 0
	)`,
	`IF OBJECT_ID(N'stat_values', N'U') IS NULL
	CREATE TABLE stat_values (
		id    BIGINT IDENTITY(1,1) PRIMARY KEY,
		stat  INT NOT NULL,
		value BIGINT NOT NULL,
		CONSTRAINT uq_stat_values UNIQUE (stat, value)
	)`,
	`IF OBJECT_ID(N'item_stats', N'U') IS NULL
	CREATE TABLE item_stats (
		item_id       BIGINT NOT NULL,
		stat_value_id BIGINT NOT NULL,
		CONSTRAINT uq_item_stats UNIQUE (item_id, stat_value_id)
	)`,
	`IF OBJECT_ID(N'item_spells', N'U') IS NULL
	CREATE TABLE item_spells (
		item_id  BIGINT NOT NULL,
		event_id INT NOT NULL,
		spell_id INT NOT NULL,
		params   NVARCHAR(MAX) NOT NULL DEFAULT '{}'
	)`,
	`IF OBJECT_ID(N'item_actions', N'U') IS NULL
	CREATE TABLE item_actions (
		item_id   BIGINT NOT NULL,
		action_id INT NOT NULL,
		criteria  NVARCHAR(MAX) NOT NULL DEFAULT '[]'
	)`,
	`IF OBJECT_ID(N'nano_crystals', N'U') IS NULL
	CREATE TABLE nano_crystals (
		nano_id    BIGINT NOT NULL,
		crystal_id BIGINT NOT NULL,
		CONSTRAINT uq_nano_crystals UNIQUE (nano_id, crystal_id)
	)`,
}

type mssqlStore struct{ db *sql.DB }

// NewMSSQLStore opens a sqlserver connection and pings it.
func NewMSSQLStore(ctx context.Context, dsn string) (Store, error) {
	d, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql open: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("mssql ping: %w", err)
	}
	return &mssqlStore{db: d}, nil
}

func (s *mssqlStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range mssqlSchema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql ensure schema: %w", err)
		}
	}
	return nil
}

func (s *mssqlStore) ResetSchema(ctx context.Context) error {
	// Child tables first; TRUNCATE is not usable with cross-table FKs absent
	// anyway, DELETE keeps it simple.
	for _, t := range []string{"nano_crystals", "item_actions", "item_spells", "item_stats", "stat_values", "items"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("mssql reset %s: %w", t, err)
		}
	}
	return nil
}

func (s *mssqlStore) CreateStatValues(ctx context.Context, keys []record.StatValue) error {
	if len(keys) == 0 {
		return nil
	}
	stmt, err := s.db.PrepareContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM stat_values WHERE stat = @p1 AND value = @p2)
		 INSERT INTO stat_values (stat, value) VALUES (@p1, @p2)`)
	if err != nil {
		return fmt.Errorf("mssql prepare stat_values: %w", err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.Stat, k.Value); err != nil {
			return fmt.Errorf("mssql insert stat_values (%d,%d): %w", k.Stat, k.Value, err)
		}
	}
	return nil
}

func (s *mssqlStore) FetchStatValues(ctx context.Context, keys []record.StatValue) (map[record.StatValue]int64, error) {
	out := make(map[record.StatValue]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	stmt, err := s.db.PrepareContext(ctx,
		`SELECT id FROM stat_values WHERE stat = @p1 AND value = @p2`)
	if err != nil {
		return nil, fmt.Errorf("mssql prepare fetch: %w", err)
	}
	defer stmt.Close()
	for _, k := range keys {
		var id int64
		err := stmt.QueryRowContext(ctx, k.Stat, k.Value).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mssql fetch stat_values: %w", err)
		}
		out[k] = id
	}
	return out, nil
}

func (s *mssqlStore) ResolveItems(ctx context.Context, aoids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(aoids))
	if len(aoids) == 0 {
		return out, nil
	}
	// IN-list in chunks; the driver caps parameters per statement.
	const chunk = 1000
	for start := 0; start < len(aoids); start += chunk {
		end := min(start+chunk, len(aoids))
		part := aoids[start:end]
		args := make([]any, len(part))
		for i, a := range part {
			args[i] = a
		}
		q := fmt.Sprintf(`SELECT aoid, id FROM items WHERE aoid IN (%s)`, placeholders(len(part)))
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("mssql resolve items: %w", err)
		}
		for rows.Next() {
			var aoid, id int64
			if err := rows.Scan(&aoid, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("mssql scan items: %w", err)
			}
			out[aoid] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *mssqlStore) CountItems(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM items`).Scan(&n)
	return n, err
}

func (s *mssqlStore) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql begin batch: %w", err)
	}
	return &mssqlBatch{tx: tx}, nil
}

func (s *mssqlStore) Close(ctx context.Context) error { return s.db.Close() }

// placeholders renders "@p1,@p2,...,@pN".
func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "@p%d", i)
	}
	return b.String()
}

type mssqlBatch struct{ tx *sql.Tx }

func (b *mssqlBatch) UpsertItems(ctx context.Context, rows []ItemRow) (*ItemResult, error) {
	res := &ItemResult{IDs: make(map[int64]int64, len(rows))}
	if len(rows) == 0 {
		return res, nil
	}
	stmt, err := b.tx.PrepareContext(ctx,
		`MERGE items AS t
		 USING (SELECT @p1 AS aoid) AS s ON t.aoid = s.aoid
		 WHEN MATCHED THEN UPDATE SET name = @p2, search_name = @p3, ql = @p4, is_nano = @p5
		 WHEN NOT MATCHED THEN INSERT (aoid, name, search_name, ql, is_nano)
			VALUES (@p1, @p2, @p3, @p4, @p5)
		 OUTPUT inserted.id, $action;`)
	if err != nil {
		return nil, fmt.Errorf("mssql prepare item merge: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var id int64
		var action string
		err := stmt.QueryRowContext(ctx, r.AOID, r.Name, r.SearchName, r.QL, r.IsNano).Scan(&id, &action)
		if err != nil {
			return nil, fmt.Errorf("mssql merge item aoid=%d: %w", r.AOID, err)
		}
		res.IDs[r.AOID] = id
		if action == "INSERT" {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

// bulkCopy streams rows into table via the driver's CopyIn statement.
func (b *mssqlBatch) bulkCopy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	stmt, err := b.tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		return 0, fmt.Errorf("mssql prepare copy %s: %w", table, err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("mssql copy row %s: %w", table, err)
		}
	}
	result, err := stmt.ExecContext(ctx) // finalize
	if err != nil {
		return 0, fmt.Errorf("mssql finalize copy %s: %w", table, err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (b *mssqlBatch) clearDependents(ctx context.Context, table string, itemIDs []int64) error {
	stmt, err := b.tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE item_id = @p1`, table))
	if err != nil {
		return fmt.Errorf("mssql prepare clear %s: %w", table, err)
	}
	defer stmt.Close()
	for _, id := range itemIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mssql clear %s item_id=%d: %w", table, id, err)
		}
	}
	return nil
}

func (b *mssqlBatch) CopyItemStats(ctx context.Context, rows []ItemStatRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.clearDependents(ctx, "item_stats", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, r.StatValueID}
	}
	return b.bulkCopy(ctx, "item_stats", []string{"item_id", "stat_value_id"}, src)
}

func (b *mssqlBatch) CopyItemSpells(ctx context.Context, rows []SpellRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.clearDependents(ctx, "item_spells", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, r.EventID, r.SpellID, r.Params}
	}
	return b.bulkCopy(ctx, "item_spells", []string{"item_id", "event_id", "spell_id", "params"}, src)
}

func (b *mssqlBatch) CopyItemActions(ctx context.Context, rows []ActionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ids := itemIDsOf(len(rows), func(i int) int64 { return rows[i].ItemID })
	if err := b.clearDependents(ctx, "item_actions", ids); err != nil {
		return 0, err
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{r.ItemID, r.ActionID, r.Criteria}
	}
	return b.bulkCopy(ctx, "item_actions", []string{"item_id", "action_id", "criteria"}, src)
}

func (b *mssqlBatch) UpsertNanoCrystals(ctx context.Context, rows []CrystalRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := b.tx.PrepareContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM nano_crystals WHERE nano_id = @p1 AND crystal_id = @p2)
		 INSERT INTO nano_crystals (nano_id, crystal_id) VALUES (@p1, @p2)`)
	if err != nil {
		return 0, fmt.Errorf("mssql prepare nano_crystals: %w", err)
	}
	defer stmt.Close()
	var n int64
	for _, r := range rows {
		result, err := stmt.ExecContext(ctx, r.NanoID, r.CrystalID)
		if err != nil {
			return n, fmt.Errorf("mssql upsert nano_crystals (%d,%d): %w", r.NanoID, r.CrystalID, err)
		}
		if affected, err := result.RowsAffected(); err == nil {
			n += affected
		}
	}
	return n, nil
}

func (b *mssqlBatch) Commit(ctx context.Context) error   { return b.tx.Commit() }
func (b *mssqlBatch) Rollback(ctx context.Context) error { return b.tx.Rollback() }
