package consumer

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// State is a consumer's delivery health.
type State string

const (
	StateHealthy State = "healthy"
	StateFailing State = "failing"
)

// Health is a point-in-time view of one consumer.
type Health struct {
	ConsumerID   string    `json:"consumer_id"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	FailingSince time.Time `json:"failing_since,omitempty"`
	DeadLettered int64     `json:"dead_lettered"`
	Delivered    int64     `json:"delivered"`
}

// HealthRegistry tracks consumer health for operators. Delivery workers
// write it; the ops server reads it.
type HealthRegistry struct {
	entries *xsync.MapOf[string, Health]
}

// NewHealthRegistry returns an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{entries: xsync.NewMapOf[string, Health]()}
}

// MarkFailing records that retries for id were exhausted.
func (r *HealthRegistry) MarkFailing(id string, err error, at time.Time) {
	r.entries.Compute(id, func(h Health, _ bool) (Health, bool) {
		h.ConsumerID = id
		if h.State != StateFailing {
			h.FailingSince = at
		}
		h.State = StateFailing
		if err != nil {
			h.LastError = err.Error()
		}
		return h, false
	})
}

// MarkDelivered records n delivered messages and clears a failing state.
func (r *HealthRegistry) MarkDelivered(id string, n int) {
	r.entries.Compute(id, func(h Health, _ bool) (Health, bool) {
		h.ConsumerID = id
		h.State = StateHealthy
		h.FailingSince = time.Time{}
		h.Delivered += int64(n)
		return h, false
	})
}

// MarkDeadLettered counts a dead-lettered message.
func (r *HealthRegistry) MarkDeadLettered(id string, err error) {
	r.entries.Compute(id, func(h Health, _ bool) (Health, bool) {
		h.ConsumerID = id
		if h.State == "" {
			h.State = StateHealthy
		}
		h.DeadLettered++
		if err != nil {
			h.LastError = err.Error()
		}
		return h, false
	})
}

// Get returns the health of id. Unknown consumers are healthy.
func (r *HealthRegistry) Get(id string) Health {
	h, ok := r.entries.Load(id)
	if !ok {
		return Health{ConsumerID: id, State: StateHealthy}
	}
	return h
}

// Remove forgets id.
func (r *HealthRegistry) Remove(id string) {
	r.entries.Delete(id)
}

// Snapshot lists all tracked consumers ordered by id.
func (r *HealthRegistry) Snapshot() []Health {
	out := make([]Health, 0, r.entries.Size())
	r.entries.Range(func(_ string, h Health) bool {
		out = append(out, h)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out
}
