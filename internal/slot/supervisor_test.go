package slot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abc3/sequin/internal/replication/pgoutputtest"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/pkg/connector"
)

func newTestSupervisor(deps Deps) *Supervisor {
	s := NewSupervisor(deps, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond})
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func TestSupervisorRejectsDuplicateSlot(t *testing.T) {
	s := newTestSupervisor(Deps{Dial: (&dialer{}).dial, Router: testRouter(t), Deliverer: &recorder{}})
	t.Cleanup(s.StopAll)

	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background(), testConfig()); !errors.Is(err, ErrSlotActive) {
		t.Fatalf("expected ErrSlotActive, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].State == StateStreaming
	})

	if err := s.Stop("accounts_slot"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop("accounts_slot"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestSupervisorRestartsAfterProtocolError(t *testing.T) {
	broken := &fakeConn{script: []step{
		xlog(0xE0, pgoutputtest.Begin(0x100, commitTime, 1)),
		xlog(0xF0, pgoutputtest.Insert(99, pgoutputtest.Text("1"))),
	}}
	healthy := &fakeConn{script: script([]step{accountsRelation()}, txnSteps(0x100, 1, [2]string{"1", "10"}))}
	d := &dialer{conns: []*fakeConn{broken, healthy}}
	rec := &recorder{}
	s := newTestSupervisor(Deps{Dial: d.dial, Router: testRouter(t), Deliverer: rec})
	t.Cleanup(s.StopAll)

	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return healthy.lastStatus() == 0x108 })

	st := s.Status()
	if len(st) != 1 || st[0].Restarts != 1 {
		t.Fatalf("expected one restart, got %+v", st)
	}
	if !strings.Contains(st[0].LastError, "unknown relation") {
		t.Fatalf("expected protocol error recorded, got %q", st[0].LastError)
	}
	if got := ids(rec.delivered()); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected the restarted processor to deliver id 1, got %v", got)
	}
}

func TestSupervisorResetsBackoffAfterStableRun(t *testing.T) {
	broken := func() *fakeConn {
		return &fakeConn{script: []step{
			xlog(0xE0, pgoutputtest.Begin(0x100, commitTime, 1)),
			xlog(0xF0, pgoutputtest.Insert(99, pgoutputtest.Text("1"))),
		}}
	}
	d := &dialer{conns: []*fakeConn{broken(), broken(), broken(), broken()}}
	s := NewSupervisor(Deps{Dial: d.dial, Router: testRouter(t), Deliverer: &recorder{}},
		retry.Backoff{Base: time.Millisecond, Max: time.Minute, Factor: 2, NoJitter: true})

	var mu sync.Mutex
	var slow bool
	var delays []time.Duration
	clock := commitTime
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		if slow {
			clock = clock.Add(2 * time.Minute)
		}
		return clock
	}
	stop := errors.New("enough restarts")
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		// The third processor runs for longer than restart.max.
		slow = len(delays) == 2
		if len(delays) == 4 {
			return stop
		}
		return ctx.Err()
	}
	t.Cleanup(s.StopAll)

	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delays) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	for idx := range want {
		if delays[idx] != want[idx] {
			t.Fatalf("restart delays %v, want %v", delays, want)
		}
	}
}

func TestSupervisorBackfill(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(Deps{Dial: (&dialer{}).dial, Router: testRouter(t), Deliverer: rec})
	t.Cleanup(s.StopAll)

	if err := s.Backfill(context.Background(), "accounts_slot", nil); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
	if err := s.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		p, ok := s.Processor("accounts_slot")
		return ok && p.State() == StateStreaming
	})

	rel := &connector.Relation{ID: 7, Schema: "public", Table: "accounts",
		Columns: []connector.Column{{Name: "id", PrimaryKey: true}, {Name: "balance"}}}
	records := []connector.ChangeRecord{
		{RelationID: 7, Schema: "public", Table: "accounts", Action: connector.ActionRead, Relation: rel,
			New: map[string]any{"id": int64(1), "balance": int64(10)}},
		{RelationID: 7, Schema: "public", Table: "accounts", Action: connector.ActionRead, Relation: rel,
			New: map[string]any{"id": int64(2), "balance": int64(20)}},
	}
	if err := s.Backfill(context.Background(), "accounts_slot", records); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rec.delivered()) == 2 })
}
