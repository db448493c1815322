package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDurationGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2, NoJitter: true}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for idx, ms := range want {
		if got := b.Duration(idx + 1); got != ms*time.Millisecond {
			t.Fatalf("attempt %d: expected %s, got %s", idx+1, ms*time.Millisecond, got)
		}
	}
}

func TestDurationFactorOneIsConstant(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Max: time.Second, Factor: 1, NoJitter: true}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := b.Duration(attempt); got != 50*time.Millisecond {
			t.Fatalf("attempt %d: expected constant 50ms, got %s", attempt, got)
		}
	}
	b.Factor = 0
	if got := b.Duration(3); got != 200*time.Millisecond {
		t.Fatalf("zero factor should use the default: got %s", got)
	}
}

func TestDurationJitterBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "base"))
		limit := base * time.Duration(rapid.Int64Range(1, 100).Draw(t, "mult"))
		attempt := rapid.IntRange(1, 200).Draw(t, "attempt")
		b := Backoff{Base: base, Max: limit, Factor: 2}

		got := b.Duration(attempt)
		if got < 0 || float64(got) > 1.5*float64(limit) {
			t.Fatalf("delay %s outside [0, 1.5*%s]", got, limit)
		}
	})
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}
