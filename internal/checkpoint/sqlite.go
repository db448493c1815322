package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	_ "modernc.org/sqlite"
)

// The LSN is stored as an integer so the upsert guard compares positions,
// not strings. updated_at is unix nanoseconds.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS sequin_slot_checkpoints (
  slot TEXT PRIMARY KEY,
  lsn INTEGER NOT NULL CHECK (lsn >= 0),
  metadata TEXT NOT NULL DEFAULT '{}',
  updated_at INTEGER NOT NULL
);`

const sqliteUpsert = `INSERT INTO sequin_slot_checkpoints (slot, lsn, metadata, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
  lsn = excluded.lsn,
  metadata = excluded.metadata,
  updated_at = excluded.updated_at
WHERE excluded.lsn >= sequin_slot_checkpoints.lsn`

const sqliteSelect = `SELECT slot, lsn, metadata, updated_at FROM sequin_slot_checkpoints`

// SQLiteStore persists slot checkpoints in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn, creating its directory and table if needed.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite checkpoints: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, slot string) (connector.Checkpoint, error) {
	item, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE slot = ?", slot))
	if errors.Is(err, sql.ErrNoRows) {
		return connector.Checkpoint{}, connector.ErrNotFound
	}
	if err != nil {
		return connector.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", slot, err)
	}
	return item.Checkpoint, nil
}

func (s *SQLiteStore) Put(ctx context.Context, slot string, checkpoint connector.Checkpoint) error {
	checkpoint, lsn, err := prepare(checkpoint)
	if err != nil {
		return err
	}
	if lsn > math.MaxInt64 {
		return fmt.Errorf("checkpoint lsn %s does not fit in sqlite", lsn)
	}
	metadata, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, slot, int64(lsn), string(metadata), checkpoint.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", slot, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]SlotCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+" ORDER BY slot")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []SlotCheckpoint{}
	for rows.Next() {
		item, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (SlotCheckpoint, error) {
	var (
		slot      string
		lsn       int64
		metadata  string
		updatedAt int64
	)
	if err := row.Scan(&slot, &lsn, &metadata, &updatedAt); err != nil {
		return SlotCheckpoint{}, err
	}
	cp := connector.Checkpoint{
		LSN:       connector.LSN(lsn).String(),
		Timestamp: time.Unix(0, updatedAt).UTC(),
		Metadata:  map[string]string{},
	}
	if err := json.Unmarshal([]byte(metadata), &cp.Metadata); err != nil {
		return SlotCheckpoint{}, fmt.Errorf("decode metadata: %w", err)
	}
	return SlotCheckpoint{Slot: slot, Checkpoint: cp}, nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "file:")
	path = strings.TrimPrefix(path, "//")
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return nil
}
