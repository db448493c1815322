// Package deadletter keeps messages a destination refused permanently so
// they can be inspected and replayed by an operator.
package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one isolated message.
type Entry struct {
	Seq        uint64    `msgpack:"seq" json:"seq"`
	ConsumerID string    `msgpack:"consumer_id" json:"consumer_id"`
	MessageID  string    `msgpack:"message_id" json:"message_id"`
	GroupKey   string    `msgpack:"group_key" json:"group_key"`
	Table      string    `msgpack:"table" json:"table"`
	Position   string    `msgpack:"position" json:"position"`
	Payload    []byte    `msgpack:"payload" json:"payload"`
	Reason     string    `msgpack:"reason" json:"reason"`
	At         time.Time `msgpack:"at" json:"at"`
}

// Store persists dead-lettered entries per consumer.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	List(ctx context.Context, consumerID string, limit int) ([]Entry, error)
	Count(ctx context.Context, consumerID string) (int, error)
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string][]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (m *MemoryStore) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	entry.Seq = m.seq
	m.entries[entry.ConsumerID] = append(m.entries[entry.ConsumerID], entry)
	return nil
}

func (m *MemoryStore) List(_ context.Context, consumerID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.entries[consumerID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := append([]Entry(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, consumerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[consumerID]), nil
}

func (m *MemoryStore) Close() error { return nil }
