// Package backfill copies existing table rows into a slot's pipeline as read
// records. Every table is scanned inside one exported snapshot so the rows
// line up with a single log position.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abc3/sequin/internal/telemetry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const DefaultBatchSize = 1000

// Config tunes a backfill run.
type Config struct {
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`
	Workers   int `mapstructure:"workers" validate:"gte=0"`
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

// Target receives read records for a slot. The slot supervisor satisfies it.
type Target interface {
	Backfill(ctx context.Context, slot string, records []connector.ChangeRecord) error
}

// Table names a relation to copy.
type Table struct {
	Schema string
	Name   string
}

func (t Table) String() string { return t.Schema + "." + t.Name }

// ParseTable accepts "table" or "schema.table"; the schema defaults to public.
func ParseTable(value string) (Table, error) {
	parts := strings.Split(strings.TrimSpace(value), ".")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return Table{Schema: "public", Name: parts[0]}, nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return Table{Schema: parts[0], Name: parts[1]}, nil
	default:
		return Table{}, fmt.Errorf("invalid table name %q", value)
	}
}

// Result summarizes one copied table.
type Result struct {
	Table string        `json:"table"`
	Rows  int64         `json:"rows"`
	Took  time.Duration `json:"took"`
}

// Scanner copies tables from a Postgres pool.
type Scanner struct {
	pool   *pgxpool.Pool
	target Target
	cfg    Config
}

func NewScanner(pool *pgxpool.Pool, target Target, cfg Config) *Scanner {
	cfg.applyDefaults()
	return &Scanner{pool: pool, target: target, cfg: cfg}
}

// Run copies every table into slot and returns per-table row counts in the
// order given. The first failing table cancels the rest.
func (s *Scanner) Run(ctx context.Context, slot string, tables []string) ([]Result, error) {
	parsed := make([]Table, 0, len(tables))
	for _, name := range tables {
		table, err := ParseTable(name)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, table)
	}
	if len(parsed) == 0 {
		return nil, errors.New("no tables to backfill")
	}

	snap, err := s.exportSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.release(context.WithoutCancel(ctx))
	log.Info().Str("slot", slot).Str("snapshot", snap.name).Str("lsn", snap.lsn.String()).
		Int("tables", len(parsed)).Msg("backfill starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(parsed))
	tasks := make(chan int, len(parsed))
	for idx := range parsed {
		tasks <- idx
	}
	close(tasks)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	workers := min(s.cfg.Workers, len(parsed))
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for idx := range tasks {
				if runCtx.Err() != nil {
					return
				}
				started := time.Now()
				rows, err := s.scanTable(runCtx, slot, snap, parsed[idx])
				if err != nil {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("backfill %s: %w", parsed[idx], err)
						cancel()
					})
					return
				}
				results[idx] = Result{Table: parsed[idx].String(), Rows: rows, Took: time.Since(started)}
				log.Info().Str("slot", slot).Str("table", parsed[idx].String()).Int64("rows", rows).
					Msg("backfill table done")
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

type snapshot struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
	name string
	lsn  connector.LSN
}

// exportSnapshot opens the transaction whose snapshot every table scan
// imports. It stays open until the run ends.
func (s *Scanner) exportSnapshot(ctx context.Context) (*snapshot, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire snapshot connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	var name, lsnText string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot(), pg_current_wal_lsn()::text").Scan(&name, &lsnText); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	lsn, err := connector.ParseLSN(lsnText)
	if err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("parse snapshot lsn: %w", err)
	}
	return &snapshot{conn: conn, tx: tx, name: name, lsn: lsn}, nil
}

func (s *snapshot) release(ctx context.Context) {
	_ = s.tx.Commit(ctx)
	s.conn.Release()
}

func (s *Scanner) scanTable(ctx context.Context, slot string, snap *snapshot, table Table) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+quoteLiteral(snap.name)); err != nil {
		return 0, fmt.Errorf("import snapshot: %w", err)
	}
	rel, err := loadRelation(ctx, tx, table)
	if err != nil {
		return 0, err
	}

	rowsRead := telemetry.BackfillRowsTotal.With(slot, table.String())
	emit := func(records []connector.ChangeRecord) error {
		if err := s.target.Backfill(ctx, slot, records); err != nil {
			return err
		}
		rowsRead.Add(float64(len(records)))
		return nil
	}
	return copyTable(ctx, txPager{tx: tx}, rel, snap.lsn, s.cfg.BatchSize, emit)
}

func loadRelation(ctx context.Context, tx pgx.Tx, table Table) (*connector.Relation, error) {
	rows, err := tx.Query(ctx,
		`SELECT c.oid, a.attname, a.atttypid, format_type(a.atttypid, a.atttypmod),
		        COALESCE(i.indisprimary, false)
		 FROM pg_class c
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_attribute a ON a.attrelid = c.oid
		 LEFT JOIN pg_index i ON i.indrelid = c.oid AND i.indisprimary AND a.attnum = ANY(i.indkey)
		 WHERE n.nspname = $1
		   AND c.relname = $2
		   AND a.attnum > 0
		   AND NOT a.attisdropped
		 ORDER BY a.attnum`, table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("load relation: %w", err)
	}
	defer rows.Close()

	rel := &connector.Relation{Schema: table.Schema, Table: table.Name}
	for rows.Next() {
		var col connector.Column
		if err := rows.Scan(&rel.ID, &col.Name, &col.OID, &col.Type, &col.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scan relation column: %w", err)
		}
		rel.Columns = append(rel.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relation columns: %w", err)
	}
	if len(rel.Columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return rel, nil
}

// pager reads up to limit rows of rel ordered by primary key, strictly after
// the key values in after (all rows when after is nil).
type pager interface {
	page(ctx context.Context, rel *connector.Relation, after []any, limit int) ([]map[string]any, error)
}

type txPager struct {
	tx pgx.Tx
}

func (p txPager) page(ctx context.Context, rel *connector.Relation, after []any, limit int) ([]map[string]any, error) {
	rows, err := p.tx.Query(ctx, pageQuery(rel, after != nil, limit), after...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", rel.QualifiedName(), err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel.QualifiedName(), err)
	}
	return out, nil
}

// pageQuery builds a keyset query over the primary key.
func pageQuery(rel *connector.Relation, hasAfter bool, limit int) string {
	columns := make([]string, 0, len(rel.Columns))
	for _, col := range rel.Columns {
		columns = append(columns, pgx.Identifier{col.Name}.Sanitize())
	}
	keys := rel.PrimaryKey()
	keyIdents := make([]string, len(keys))
	params := make([]string, len(keys))
	for idx, key := range keys {
		keyIdents[idx] = pgx.Identifier{key}.Sanitize()
		params[idx] = fmt.Sprintf("$%d", idx+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(columns, ", "), pgx.Identifier{rel.Schema, rel.Table}.Sanitize())
	if hasAfter {
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", strings.Join(keyIdents, ", "), strings.Join(params, ", "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", strings.Join(keyIdents, ", "), limit)
	return b.String()
}

// copyTable pages through rel and emits each page as read records positioned
// at the snapshot.
func copyTable(ctx context.Context, p pager, rel *connector.Relation, at connector.LSN, batchSize int, emit func([]connector.ChangeRecord) error) (int64, error) {
	keys := rel.PrimaryKey()
	if len(keys) == 0 {
		return 0, fmt.Errorf("table %s has no primary key", rel.QualifiedName())
	}

	var (
		after []any
		seq   uint32
		total int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rows, err := p.page(ctx, rel, after, batchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		now := time.Now().UTC()
		records := make([]connector.ChangeRecord, 0, len(rows))
		for _, row := range rows {
			records = append(records, connector.ChangeRecord{
				RelationID: rel.ID,
				Schema:     rel.Schema,
				Table:      rel.Table,
				Action:     connector.ActionRead,
				New:        row,
				Position:   connector.Position{CommitLSN: at, Seq: seq},
				CommitTime: now,
				Relation:   rel,
			})
			seq++
		}
		if err := emit(records); err != nil {
			return total, err
		}
		total += int64(len(rows))

		if len(rows) < batchSize {
			return total, nil
		}
		last := rows[len(rows)-1]
		after = make([]any, len(keys))
		for idx, key := range keys {
			after[idx] = last[key]
		}
	}
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
