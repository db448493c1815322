package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abc3/sequin/pkg/connector"
)

// SlotCheckpoint pairs a slot name with its last confirmed position.
type SlotCheckpoint struct {
	Slot       string               `json:"slot"`
	Checkpoint connector.Checkpoint `json:"checkpoint"`
}

// Store is a checkpoint store that can enumerate every slot it holds. Put
// never moves a slot's checkpoint backwards; an older position is ignored.
type Store interface {
	connector.CheckpointStore
	List(ctx context.Context) ([]SlotCheckpoint, error)
	Close() error
}

// Config selects a checkpoint backend.
type Config struct {
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=memory sqlite postgres"`
	DSN     string `mapstructure:"dsn"`
}

// Open returns the store described by cfg. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.DSN)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", cfg.Backend)
	}
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]connector.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]connector.Checkpoint)}
}

func (m *MemoryStore) Get(_ context.Context, slot string) (connector.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.items[slot]
	if !ok {
		return connector.Checkpoint{}, connector.ErrNotFound
	}
	return cp, nil
}

func (m *MemoryStore) Put(_ context.Context, slot string, checkpoint connector.Checkpoint) error {
	checkpoint, lsn, err := prepare(checkpoint)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.items[slot]; ok {
		if prevLSN, err := connector.ParseLSN(prev.LSN); err == nil && lsn < prevLSN {
			return nil
		}
	}
	m.items[slot] = checkpoint
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]SlotCheckpoint, error) {
	m.mu.RLock()
	out := make([]SlotCheckpoint, 0, len(m.items))
	for slot, cp := range m.items {
		out = append(out, SlotCheckpoint{Slot: slot, Checkpoint: cp})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// prepare fills defaults, copies metadata and canonicalizes the LSN text.
func prepare(checkpoint connector.Checkpoint) (connector.Checkpoint, connector.LSN, error) {
	lsn, err := connector.ParseLSN(checkpoint.LSN)
	if err != nil {
		return connector.Checkpoint{}, 0, fmt.Errorf("checkpoint lsn %q: %w", checkpoint.LSN, err)
	}
	checkpoint.LSN = lsn.String()
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	metadata := make(map[string]string, len(checkpoint.Metadata))
	for k, v := range checkpoint.Metadata {
		metadata[k] = v
	}
	checkpoint.Metadata = metadata
	return checkpoint, lsn, nil
}
