package router

import (
	"context"
	"testing"

	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/pkg/connector"
)

type capture struct {
	n     int
	msgs  []connector.RoutedMessage
	marks []connector.LSN
}

func (c *capture) PartitionFor(key string) int { return len(key) % c.n }

func (c *capture) Enqueue(_ context.Context, msg connector.RoutedMessage) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) Mark(_ context.Context, end connector.LSN) error {
	c.marks = append(c.marks, end)
	return nil
}

var accounts = &connector.Relation{
	ID: 7, Schema: "public", Table: "accounts",
	Columns: []connector.Column{{Name: "id", PrimaryKey: true}, {Name: "user_id"}, {Name: "balance"}},
}

func compile(t *testing.T, c consumer.Consumer) *consumer.Compiled {
	t.Helper()
	if c.Destination.Type == "" {
		c.Destination = consumer.Destination{Type: "mock"}
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	compiled, err := consumer.Compile(c)
	if err != nil {
		t.Fatalf("compile %s: %v", c.ID, err)
	}
	return compiled
}

func txn(end connector.LSN, values ...map[string]any) *connector.Transaction {
	out := &connector.Transaction{CommitLSN: end - 8, EndLSN: end}
	for idx, v := range values {
		out.Records = append(out.Records, connector.ChangeRecord{
			RelationID: accounts.ID, Schema: accounts.Schema, Table: accounts.Table,
			Action: connector.ActionUpdate, New: v, Relation: accounts,
			Position: connector.Position{CommitLSN: end - 8, Seq: uint32(idx)},
		})
	}
	return out
}

func TestRouteFansOutAndMarks(t *testing.T) {
	r := New("slot_a")
	r.Replace([]*consumer.Compiled{
		compile(t, consumer.Consumer{ID: "all", Slot: "slot_a", Tables: []string{"public.*"}}),
		compile(t, consumer.Consumer{ID: "rich", Slot: "slot_a", Tables: []string{"accounts"},
			Filters: []consumer.Filter{{Column: "balance", Op: consumer.OpGt, Value: 1000}}}),
		compile(t, consumer.Consumer{ID: "other-slot", Slot: "slot_b", Tables: []string{"*"}}),
	})

	parts := &capture{n: 4}
	err := r.Route(context.Background(), txn(208,
		map[string]any{"id": int64(1), "balance": int64(10)},
		map[string]any{"id": int64(2), "balance": int64(5000)},
	), parts)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(parts.msgs) != 3 {
		t.Fatalf("expected 3 routed messages, got %d", len(parts.msgs))
	}
	if parts.msgs[0].ConsumerID != "all" || parts.msgs[2].ConsumerID != "rich" {
		t.Fatalf("unexpected fan-out order %+v", parts.msgs)
	}
	if len(parts.marks) != 1 || parts.marks[0] != 208 {
		t.Fatalf("expected a single end mark at 208, got %v", parts.marks)
	}
	for _, m := range parts.msgs {
		if m.IdempotencyID != consumer.IdempotencyID(m.Record.Position, accounts.ID, m.ConsumerID) {
			t.Fatalf("unexpected idempotency id on %+v", m)
		}
		if m.Partition != parts.PartitionFor(m.GroupKey) {
			t.Fatalf("message not assigned by group key")
		}
	}
	if _, ok := r.Consumer("other-slot"); ok {
		t.Fatalf("consumer for another slot must be ignored")
	}
}

func TestRouteSkipsConsumerOnFilterError(t *testing.T) {
	r := New("slot_a")
	r.Replace([]*consumer.Compiled{
		compile(t, consumer.Consumer{ID: "typed", Slot: "slot_a", Tables: []string{"public.accounts"},
			Filters: []consumer.Filter{{Column: "balance", Op: consumer.OpEq, Value: "lots"}}}),
		compile(t, consumer.Consumer{ID: "plain", Slot: "slot_a", Tables: []string{"public.accounts"}}),
	})
	parts := &capture{n: 2}
	if err := r.Route(context.Background(), txn(50, map[string]any{"id": int64(1), "balance": int64(3)}), parts); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(parts.msgs) != 1 || parts.msgs[0].ConsumerID != "plain" {
		t.Fatalf("expected only the plain consumer to receive the record, got %+v", parts.msgs)
	}
}

func TestGroupColumnsKeepUserOrderOnOnePartition(t *testing.T) {
	r := New("slot_a")
	r.Replace([]*consumer.Compiled{
		compile(t, consumer.Consumer{ID: "c", Slot: "slot_a", Tables: []string{"public.accounts"}, GroupColumns: []string{"user_id"}}),
	})
	parts := &capture{n: 3}
	err := r.Route(context.Background(), txn(90,
		map[string]any{"id": int64(1), "user_id": "uid7"},
		map[string]any{"id": int64(2), "user_id": "uid9"},
		map[string]any{"id": int64(3), "user_id": "uid7"},
	), parts)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if parts.msgs[0].GroupKey != parts.msgs[2].GroupKey || parts.msgs[0].Partition != parts.msgs[2].Partition {
		t.Fatalf("same user routed apart: %+v", parts.msgs)
	}
	if parts.msgs[0].Record.Position.Seq > parts.msgs[2].Record.Position.Seq {
		t.Fatalf("enqueue order must follow log order")
	}
}

func TestRouteBackfillRejectsNonRead(t *testing.T) {
	r := New("slot_a")
	r.Replace([]*consumer.Compiled{compile(t, consumer.Consumer{ID: "c", Slot: "slot_a", Tables: []string{"public.accounts"}})})
	parts := &capture{n: 1}
	records := txn(10, map[string]any{"id": int64(1)}).Records
	if err := r.RouteBackfill(context.Background(), records, parts); err == nil {
		t.Fatalf("expected error for non-read backfill record")
	}
	records[0].Action = connector.ActionRead
	if err := r.RouteBackfill(context.Background(), records, parts); err != nil {
		t.Fatalf("route backfill: %v", err)
	}
	if len(parts.msgs) != 1 || len(parts.marks) != 0 {
		t.Fatalf("expected one read message and no marks, got %d msgs %d marks", len(parts.msgs), len(parts.marks))
	}
}

func TestBatchPolicy(t *testing.T) {
	r := New("slot_a")
	r.Replace([]*consumer.Compiled{compile(t, consumer.Consumer{ID: "c", Slot: "slot_a", Tables: []string{"x"}, BatchSize: 25})})
	if size, _ := r.BatchPolicy("c"); size != 25 {
		t.Fatalf("expected batch size 25, got %d", size)
	}
	if size, timeout := r.BatchPolicy("gone"); size != 1 || timeout != 0 {
		t.Fatalf("unknown consumer must deliver singly, got %d %s", size, timeout)
	}
}
