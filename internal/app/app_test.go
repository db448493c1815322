package app

import (
	"context"
	"testing"

	"github.com/abc3/sequin/internal/checkpoint"
	"github.com/abc3/sequin/internal/config"
	"github.com/abc3/sequin/internal/consumer"
	"github.com/abc3/sequin/internal/retry"
	"github.com/abc3/sequin/internal/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockConsumer(id string, options map[string]string) consumer.Consumer {
	return consumer.Consumer{
		ID:          id,
		Name:        id,
		Slot:        "app_slot",
		Tables:      []string{"public.*"},
		Destination: consumer.Destination{Type: "mock", Options: options},
	}
}

func testConfig(consumers ...consumer.Consumer) *config.Config {
	return &config.Config{
		Checkpoints: checkpoint.Config{Backend: "memory"},
		Delivery:    config.DeliveryConfig{Backoff: retry.Default},
		Slots:       []slot.Config{{Name: "app_slot", Publication: "app_pub"}},
		Consumers:   consumers,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func TestNewInstallsConsumers(t *testing.T) {
	a := newTestApp(t, testConfig(mockConsumer("c1", nil), mockConsumer("c2", nil)))

	assert.Equal(t, []string{"c1", "c2"}, a.pool.IDs())
	assert.Len(t, a.router("app_slot").Consumers(), 2)
}

func TestNewRejectsUnknownDestination(t *testing.T) {
	bad := mockConsumer("c1", nil)
	bad.Destination.Type = "carrier-pigeon"
	_, err := New(context.Background(), testConfig(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestReloadSwapsConsumers(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(mockConsumer("c1", nil)))
	first, ok := a.pool.Worker("c1")
	require.True(t, ok)

	require.NoError(t, a.Reload(ctx, testConfig(mockConsumer("c1", nil), mockConsumer("c2", nil))))
	kept, ok := a.pool.Worker("c1")
	require.True(t, ok)
	assert.Same(t, first, kept, "unchanged consumer keeps its worker")
	assert.Equal(t, []string{"c1", "c2"}, a.pool.IDs())

	second, _ := a.pool.Worker("c2")
	require.NoError(t, a.Reload(ctx, testConfig(mockConsumer("c2", map[string]string{"fail_first": "1"}))))
	assert.Equal(t, []string{"c2"}, a.pool.IDs())
	replaced, ok := a.pool.Worker("c2")
	require.True(t, ok)
	assert.NotSame(t, second, replaced, "changed consumer gets a new worker")

	routed := a.router("app_slot").Consumers()
	require.Len(t, routed, 1)
	assert.Equal(t, "c2", routed[0].ID)
}

func TestReloadKeepsRunningConfigOnError(t *testing.T) {
	a := newTestApp(t, testConfig(mockConsumer("c1", nil)))

	bad := mockConsumer("c2", map[string]string{"fail_first": "many"})
	require.Error(t, a.Reload(context.Background(), testConfig(mockConsumer("c1", nil), bad)))
	assert.Equal(t, []string{"c1"}, a.pool.IDs())
	assert.Len(t, a.router("app_slot").Consumers(), 1)
}

func TestStartBackfillRequiresRunningSlot(t *testing.T) {
	a := newTestApp(t, testConfig())
	err := a.StartBackfill("app_slot", []string{"public.orders"})
	assert.ErrorIs(t, err, slot.ErrUnknownSlot)
}
