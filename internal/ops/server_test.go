package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abc3/sequin/internal/checkpoint"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/deadletter"
	"github.com/abc3/sequin/internal/slot"
	"github.com/abc3/sequin/pkg/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSlots []slot.Status

func (s staticSlots) Status() []slot.Status { return s }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealthDegradesWhenSlotStopped(t *testing.T) {
	health := consumer.NewHealthRegistry()
	health.MarkFailing("orders-webhook", errors.New("503 from sink"), time.Now())

	srv := &Server{
		Slots:  staticSlots{{Slot: "a", State: slot.StateStreaming}},
		Health: health,
	}
	rec, body := get(t, srv.Routes(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []any{"orders-webhook"}, body["failing_consumers"])

	srv.Slots = staticSlots{{Slot: "a", State: slot.StateStreaming}, {Slot: "b", State: slot.StateStopped}}
	rec, body = get(t, srv.Routes(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []any{"b"}, body["stopped_slots"])
}

func TestSlotsAndCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "a", connector.Checkpoint{LSN: "0/16B3748"}))

	srv := &Server{
		Slots:       staticSlots{{Slot: "a", State: slot.StateStreaming, FlushLSN: "0/16B3748", Restarts: 2}},
		Checkpoints: store,
	}
	h := srv.Routes()

	_, body := get(t, h, "/slots")
	slots := body["slots"].([]any)
	require.Len(t, slots, 1)
	assert.Equal(t, "streaming", slots[0].(map[string]any)["state"])
	assert.EqualValues(t, 2, slots[0].(map[string]any)["restarts"])

	_, body = get(t, h, "/checkpoints")
	cps := body["checkpoints"].([]any)
	require.Len(t, cps, 1)
	assert.Equal(t, "a", cps[0].(map[string]any)["slot"])
}

func TestDeadLetters(t *testing.T) {
	dlq := deadletter.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, dlq.Put(ctx, deadletter.Entry{ConsumerID: "c1", MessageID: "m1", Payload: []byte(`{"id":1}`), Reason: "rejected"}))
	require.NoError(t, dlq.Put(ctx, deadletter.Entry{ConsumerID: "c1", MessageID: "m2", Payload: []byte{0xff, 0x00}, Reason: "encode"}))
	require.NoError(t, dlq.Put(ctx, deadletter.Entry{ConsumerID: "c2", MessageID: "m3"}))

	srv := &Server{DeadLetters: dlq}
	h := srv.Routes()

	rec, body := get(t, h, "/consumers/c1/dead-letters?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total"])
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	first := entries[0].(map[string]any)
	assert.Equal(t, "m1", first["message_id"])
	assert.Equal(t, map[string]any{"id": float64(1)}, first["payload"])

	rec, _ = get(t, h, "/consumers/c1/dead-letters?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumersListsHealth(t *testing.T) {
	health := consumer.NewHealthRegistry()
	health.MarkDelivered("c1", 3)
	srv := &Server{Health: health}

	_, body := get(t, srv.Routes(), "/consumers")
	items := body["consumers"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "c1", items[0].(map[string]any)["consumer_id"])
	assert.EqualValues(t, 3, items[0].(map[string]any)["delivered"])
}

func TestBackfillTrigger(t *testing.T) {
	var got []string
	srv := &Server{Backfill: func(slotName string, tables []string) error {
		if slotName != "a" {
			return fmt.Errorf("%w: %s", slot.ErrUnknownSlot, slotName)
		}
		got = tables
		return nil
	}}
	h := srv.Routes()

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rec
	}

	assert.Equal(t, http.StatusAccepted, post("/slots/a/backfill", `{"tables":["public.orders"]}`).Code)
	assert.Equal(t, []string{"public.orders"}, got)
	assert.Equal(t, http.StatusNotFound, post("/slots/b/backfill", `{"tables":["public.orders"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/slots/a/backfill", `{"tables":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/slots/a/backfill", `not json`).Code)
}
