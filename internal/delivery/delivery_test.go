package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abc3/sequin/connectors/destinations/mock"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/deadletter"
	"github.com/abc3/sequin/internal/partition"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

var commitTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func compiled(t *testing.T, mutate func(*consumer.Consumer)) *consumer.Compiled {
	t.Helper()
	c := consumer.Consumer{
		ID:          "c1",
		Name:        "orders-webhook",
		Slot:        "main",
		Tables:      []string{"public.orders"},
		Destination: consumer.Destination{Type: "mock"},
	}
	if mutate != nil {
		mutate(&c)
	}
	out, err := consumer.Compile(c)
	require.NoError(t, err)
	return out
}

func routed(id string, action connector.Action, seq uint32) connector.RoutedMessage {
	rec := connector.ChangeRecord{
		RelationID: 16384,
		Schema:     "public",
		Table:      "orders",
		Action:     action,
		New:        map[string]any{"id": int32(seq), "status": "paid"},
		Position:   connector.Position{CommitLSN: 100, Seq: seq},
		CommitTime: commitTime,
	}
	return connector.RoutedMessage{ConsumerID: "c1", Record: rec, GroupKey: "16384:[1]", IdempotencyID: id}
}

func newTestWorker(t *testing.T, c *consumer.Compiled, sink connector.Sink) (*Worker, *deadletter.MemoryStore, *consumer.HealthRegistry) {
	t.Helper()
	dlq := deadletter.NewMemoryStore()
	health := consumer.NewHealthRegistry()
	w := NewWorker(c, sink, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond, Factor: 1, NoJitter: true}, dlq, health)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return w, dlq, health
}

func ids(msgs []connector.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestEnvelopeShapes(t *testing.T) {
	c := compiled(t, nil)

	insert := NewEnvelope(routed("m1", connector.ActionInsert, 0), c)
	require.Equal(t, "insert", insert.Action)
	require.Equal(t, int64(0), insert.Record["id"])
	require.Nil(t, insert.Changes)
	require.Equal(t, "0/64", insert.Metadata.CommitLSN)
	require.Equal(t, ConsumerInfo{ID: "c1", Name: "orders-webhook"}, insert.Metadata.Consumer)

	upd := routed("m2", connector.ActionUpdate, 1)
	upd.Record.Old = map[string]any{"id": int32(1), "status": "pending"}
	update := NewEnvelope(upd, c)
	require.Equal(t, map[string]any{"status": "pending"}, update.Changes)

	del := routed("m3", connector.ActionDelete, 2)
	del.Record.Old = map[string]any{"id": int32(2)}
	del.Record.New = nil
	require.Equal(t, map[string]any{"id": int64(2)}, NewEnvelope(del, c).Record)

	read := NewEnvelope(routed("m4", connector.ActionRead, 3), c)
	require.Empty(t, read.Metadata.CommitLSN)

	raw, err := Encode(routed("m5", connector.ActionInsert, 4), c)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"id", "action", "record", "changes", "metadata"} {
		require.Contains(t, doc, key)
	}
}

func TestEncodeTransforms(t *testing.T) {
	record := compiled(t, func(c *consumer.Consumer) { c.Transform = consumer.Transform{Kind: consumer.TransformRecord} })
	raw, err := Encode(routed("m1", connector.ActionInsert, 7), record)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":7,"status":"paid"}`, string(raw))

	path := compiled(t, func(c *consumer.Consumer) {
		c.Transform = consumer.Transform{Kind: consumer.TransformPath, Path: "metadata.table_name"}
	})
	raw, err = Encode(routed("m1", connector.ActionInsert, 7), path)
	require.NoError(t, err)
	require.JSONEq(t, `"orders"`, string(raw))

	bad := compiled(t, func(c *consumer.Consumer) {
		c.Transform = consumer.Transform{Kind: consumer.TransformPath, Path: "action.deeper"}
	})
	_, err = Encode(routed("m1", connector.ActionInsert, 7), bad)
	require.Error(t, err)
}

func TestPathTransformKeepsLargeNumbers(t *testing.T) {
	var amount pgtype.Numeric
	require.NoError(t, amount.Scan("12345678901234567.89"))
	msg := routed("m1", connector.ActionInsert, 0)
	msg.Record.New["amount"] = amount
	msg.Record.New["big_id"] = int64(1<<53 + 1)

	for column, want := range map[string]string{"amount": "12345678901234567.89", "big_id": "9007199254740993"} {
		c := compiled(t, func(c *consumer.Consumer) {
			c.Transform = consumer.Transform{Kind: consumer.TransformPath, Path: "record." + column}
		})
		raw, err := Encode(msg, c)
		require.NoError(t, err)
		require.Equal(t, want, string(raw))
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	sink := &mock.Destination{Script: func(call int, _ connector.Batch) connector.Result {
		if call < 3 {
			return connector.Retry(errors.New("503"))
		}
		return connector.Ack()
	}}
	w, dlq, health := newTestWorker(t, compiled(t, nil), sink)

	err := w.Deliver(context.Background(), []connector.RoutedMessage{routed("a", connector.ActionInsert, 0), routed("b", connector.ActionInsert, 1)})
	require.NoError(t, err)
	require.Equal(t, 4, sink.Calls())
	require.Equal(t, []string{"a", "b"}, ids(sink.Delivered()))
	require.Equal(t, int64(2), health.Get("c1").Delivered)

	n, err := dlq.Count(context.Background(), "c1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWorkerMarksFailingAfterMaxAttempts(t *testing.T) {
	var sawFailing atomic.Bool
	var health *consumer.HealthRegistry
	sink := &mock.Destination{Script: func(call int, _ connector.Batch) connector.Result {
		if call == 3 && health.Get("c1").State == consumer.StateFailing {
			sawFailing.Store(true)
		}
		if call < 4 {
			return connector.Retry(errors.New("connection refused"))
		}
		return connector.Ack()
	}}
	c := compiled(t, func(c *consumer.Consumer) { c.MaxAttempts = 2 })
	w, _, reg := newTestWorker(t, c, sink)
	health = reg

	require.NoError(t, w.Deliver(context.Background(), []connector.RoutedMessage{routed("a", connector.ActionInsert, 0)}))
	require.True(t, sawFailing.Load(), "consumer should be failing while retries continue")
	require.Equal(t, consumer.StateHealthy, reg.Get("c1").State)
	require.Equal(t, []string{"a"}, ids(sink.Delivered()))
}

func TestWorkerIsolatesPoisonAtIndex(t *testing.T) {
	sink := &mock.Destination{Script: func(call int, batch connector.Batch) connector.Result {
		if call == 0 {
			return connector.Fatal(errors.New("schema rejected"), 1)
		}
		return connector.Ack()
	}}
	w, dlq, health := newTestWorker(t, compiled(t, nil), sink)

	msgs := []connector.RoutedMessage{
		routed("a", connector.ActionInsert, 0),
		routed("b", connector.ActionInsert, 1),
		routed("c", connector.ActionInsert, 2),
	}
	require.NoError(t, w.Deliver(context.Background(), msgs))
	require.Equal(t, []string{"a", "c"}, ids(sink.Delivered()))

	entries, err := dlq.List(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].MessageID)
	require.Equal(t, "public.orders", entries[0].Table)
	require.Contains(t, entries[0].Reason, "schema rejected")
	require.Equal(t, int64(1), health.Get("c1").DeadLettered)
}

func TestWorkerIsolatesPoisonWithoutIndex(t *testing.T) {
	sink := &mock.Destination{Script: func(_ int, batch connector.Batch) connector.Result {
		for _, msg := range batch.Messages {
			if msg.ID == "b" {
				return connector.Fatal(errors.New("400 bad request"), -1)
			}
		}
		return connector.Ack()
	}}
	w, dlq, _ := newTestWorker(t, compiled(t, nil), sink)

	msgs := []connector.RoutedMessage{
		routed("a", connector.ActionInsert, 0),
		routed("b", connector.ActionInsert, 1),
		routed("c", connector.ActionInsert, 2),
	}
	require.NoError(t, w.Deliver(context.Background(), msgs))
	require.Equal(t, []string{"a", "c"}, ids(sink.Delivered()))

	n, err := dlq.Count(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWorkerAbandonsOnCancel(t *testing.T) {
	sink := &mock.Destination{Script: func(int, connector.Batch) connector.Result {
		return connector.Retry(errors.New("down"))
	}}
	w, _, _ := newTestWorker(t, compiled(t, nil), sink)
	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	err := w.Deliver(ctx, []connector.RoutedMessage{routed("a", connector.ActionInsert, 0)})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, sink.Delivered())
}

func TestPoolDropsUnknownConsumer(t *testing.T) {
	pool := NewPool()
	require.NoError(t, pool.Deliver(context.Background(), "ghost", []connector.RoutedMessage{routed("a", connector.ActionInsert, 0)}))
}

func TestPoolReplaceClosesPreviousSink(t *testing.T) {
	pool := NewPool()
	first := &mock.Destination{}
	second := &mock.Destination{}
	c := compiled(t, nil)
	w1, _, _ := newTestWorker(t, c, first)
	w2, _, _ := newTestWorker(t, c, second)

	require.NoError(t, pool.Put(context.Background(), w1))
	require.NoError(t, pool.Put(context.Background(), w2))
	require.True(t, first.Closed())
	require.Equal(t, []string{"c1"}, pool.IDs())

	require.NoError(t, pool.Close(context.Background()))
	require.True(t, second.Closed())
}

func retryingWorker(t *testing.T, c *consumer.Compiled) (*Worker, *mock.Destination) {
	t.Helper()
	sink := &mock.Destination{Script: func(int, connector.Batch) connector.Result {
		return connector.Retry(errors.New("503"))
	}}
	w, _, _ := newTestWorker(t, c, sink)
	w.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	return w, sink
}

func deliverAsync(pool *Pool, msgs ...connector.RoutedMessage) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Deliver(context.Background(), "c1", msgs) }()
	return errCh
}

func TestPoolHandsInFlightBatchToReplacement(t *testing.T) {
	c := compiled(t, nil)
	stuck, broken := retryingWorker(t, c)
	fixed := &mock.Destination{}
	replacement, _, _ := newTestWorker(t, c, fixed)

	pool := NewPool()
	require.NoError(t, pool.Put(context.Background(), stuck))
	errCh := deliverAsync(pool, routed("a", connector.ActionInsert, 0))
	require.Eventually(t, func() bool { return broken.Calls() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Put(context.Background(), replacement))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight batch stayed on the replaced worker")
	}
	require.True(t, broken.Closed())
	require.Empty(t, broken.Delivered())
	require.Equal(t, []string{"a"}, ids(fixed.Delivered()))
}

func TestPoolDropsInFlightBatchOfRemovedConsumer(t *testing.T) {
	stuck, broken := retryingWorker(t, compiled(t, nil))
	pool := NewPool()
	require.NoError(t, pool.Put(context.Background(), stuck))
	errCh := deliverAsync(pool, routed("a", connector.ActionInsert, 0))
	require.Eventually(t, func() bool { return broken.Calls() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Remove(context.Background(), "c1"))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("batch of removed consumer never released")
	}
	require.Empty(t, pool.IDs())
}

func TestPoolCloseAbandonsInFlightBatch(t *testing.T) {
	stuck, broken := retryingWorker(t, compiled(t, nil))
	pool := NewPool()
	require.NoError(t, pool.Put(context.Background(), stuck))
	errCh := deliverAsync(pool, routed("a", connector.ActionInsert, 0))
	require.Eventually(t, func() bool { return broken.Calls() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Close(context.Background()))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not release the in-flight batch")
	}
}

// A failing destination holds the slot's flush position until it recovers.
func TestFlushWaitsForRecoveredDelivery(t *testing.T) {
	release := make(chan struct{})
	sink := &mock.Destination{Script: func(call int, _ connector.Batch) connector.Result {
		select {
		case <-release:
			return connector.Ack()
		default:
			return connector.Retry(errors.New("503"))
		}
	}}
	w, _, _ := newTestWorker(t, compiled(t, nil), sink)
	w.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	pool := NewPool()
	require.NoError(t, pool.Put(context.Background(), w))

	set, err := partition.NewSet("main", 50, partition.Config{Partitions: 2, Deliverer: pool})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	set.Start(ctx)
	defer set.Close()

	require.NoError(t, set.Enqueue(ctx, routed("a", connector.ActionInsert, 0)))
	require.NoError(t, set.Mark(ctx, 120))

	require.Eventually(t, func() bool { return sink.Calls() >= 3 }, time.Second, time.Millisecond)
	require.Equal(t, connector.LSN(50), set.FlushLSN())

	close(release)
	require.Eventually(t, func() bool { return set.FlushLSN() == 120 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"a"}, ids(sink.Delivered()))
}
