package checkpoint

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLock serializes migrations across processes sharing a database.
const migrationLock int64 = 0x73657175696e

const migrationsTableSQL = `CREATE TABLE IF NOT EXISTS sequin_checkpoint_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations applies pending migrations in one transaction.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLock); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, migrationsTableSQL); err != nil {
			return fmt.Errorf("ensure migrations table: %w", err)
		}
		rows, err := tx.Query(ctx, "SELECT version FROM sequin_checkpoint_migrations")
		if err != nil {
			return fmt.Errorf("read migrations: %w", err)
		}
		versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("read migrations: %w", err)
		}
		applied := make(map[string]bool, len(versions))
		for _, v := range versions {
			applied[v] = true
		}

		for _, file := range files {
			version := path.Base(file)
			if applied[version] {
				continue
			}
			contents, err := migrationFS.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", version, err)
			}
			if _, err := tx.Exec(ctx, string(contents)); err != nil {
				return fmt.Errorf("apply migration %s: %w", version, err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO sequin_checkpoint_migrations (version) VALUES ($1)", version); err != nil {
				return fmt.Errorf("record migration %s: %w", version, err)
			}
		}
		return nil
	})
}
