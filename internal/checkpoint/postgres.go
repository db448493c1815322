package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The guard compares pg_lsn values, so a late writer holding an older
// position leaves the row alone.
const postgresUpsert = `INSERT INTO sequin_slot_checkpoints (slot, lsn, metadata, updated_at)
VALUES ($1, $2::pg_lsn, $3, $4)
ON CONFLICT (slot) DO UPDATE SET
	lsn = EXCLUDED.lsn,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.lsn >= sequin_slot_checkpoints.lsn`

const postgresSelect = `SELECT slot, lsn::text, metadata, updated_at FROM sequin_slot_checkpoints`

// PostgresStore persists slot checkpoints in Postgres, typically the
// source database itself.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, slot string) (connector.Checkpoint, error) {
	rows, err := p.pool.Query(ctx, postgresSelect+" WHERE slot = $1", slot)
	if err != nil {
		return connector.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", slot, err)
	}
	item, err := pgx.CollectExactlyOneRow(rows, scanPostgres)
	if errors.Is(err, pgx.ErrNoRows) {
		return connector.Checkpoint{}, connector.ErrNotFound
	}
	if err != nil {
		return connector.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", slot, err)
	}
	return item.Checkpoint, nil
}

func (p *PostgresStore) Put(ctx context.Context, slot string, checkpoint connector.Checkpoint) error {
	checkpoint, _, err := prepare(checkpoint)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := p.pool.Exec(ctx, postgresUpsert, slot, checkpoint.LSN, metadata, checkpoint.Timestamp); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", slot, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]SlotCheckpoint, error) {
	rows, err := p.pool.Query(ctx, postgresSelect+" ORDER BY slot")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanPostgres)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return items, nil
}

func scanPostgres(row pgx.CollectableRow) (SlotCheckpoint, error) {
	var (
		slot      string
		lsnText   string
		metadata  []byte
		updatedAt time.Time
	)
	if err := row.Scan(&slot, &lsnText, &metadata, &updatedAt); err != nil {
		return SlotCheckpoint{}, err
	}
	lsn, err := connector.ParseLSN(lsnText)
	if err != nil {
		return SlotCheckpoint{}, fmt.Errorf("parse stored lsn %q: %w", lsnText, err)
	}
	cp := connector.Checkpoint{LSN: lsn.String(), Timestamp: updatedAt.UTC(), Metadata: map[string]string{}}
	if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
		return SlotCheckpoint{}, fmt.Errorf("decode metadata: %w", err)
	}
	return SlotCheckpoint{Slot: slot, Checkpoint: cp}, nil
}
