package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

const sampleYAML = `
postgres:
  dsn: postgres://sequin@localhost:5432/app
checkpoints:
  backend: sqlite
  dsn: /tmp/sequin/checkpoints.db
slots:
  - name: app_slot
    publication: app_pub
    partitions: 4
    status_interval: 5s
consumers:
  - id: orders-webhook
    slot: app_slot
    tables: ["public.orders"]
    batch_size: 50
    max_attempts: 5
    filters:
      - column: total
        op: gt
        value: 100
    destination:
      type: http
      options:
        url: https://example.com/hooks
  - id: audit-kafka
    slot: app_slot
    tables: ["public.*"]
    actions: [insert, delete]
    destination:
      type: kafka
      options:
        brokers: localhost:9092
        topic: audit
`

func loadYAML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sequin.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return Load(v)
}

func TestLoadSample(t *testing.T) {
	cfg, err := loadYAML(t, sampleYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.ReplicationDSN != cfg.Postgres.DSN {
		t.Fatalf("replication dsn should default to dsn")
	}
	if len(cfg.Slots) != 1 || cfg.Slots[0].StatusInterval != 5*time.Second || cfg.Slots[0].Partitions != 4 {
		t.Fatalf("unexpected slots %+v", cfg.Slots)
	}
	if cfg.Ops.Listen != ":7376" || cfg.Log.Level != "info" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Ops, cfg.Log)
	}
	if cfg.Delivery.Backoff.Base != 200*time.Millisecond {
		t.Fatalf("unexpected delivery backoff %+v", cfg.Delivery.Backoff)
	}

	consumers := cfg.ConsumersFor("app_slot")
	if len(consumers) != 2 {
		t.Fatalf("expected 2 consumers, got %d", len(consumers))
	}
	webhook := consumers[0]
	if webhook.Name != "orders-webhook" || webhook.BatchSize != 50 || webhook.MaxAttempts != 5 {
		t.Fatalf("unexpected consumer %+v", webhook)
	}
	if webhook.Destination.Options["url"] != "https://example.com/hooks" {
		t.Fatalf("unexpected destination %+v", webhook.Destination)
	}
	if len(consumers[1].Actions) != 2 {
		t.Fatalf("expected explicit actions kept, got %v", consumers[1].Actions)
	}
	if _, ok := cfg.Slot("app_slot"); !ok {
		t.Fatalf("expected slot lookup")
	}
}

func TestLoadRejectsBrokenReferences(t *testing.T) {
	cases := map[string]struct {
		edit func(string) string
		want string
	}{
		"unknown slot": {
			edit: func(s string) string { return strings.Replace(s, "slot: app_slot\n    tables: [\"public.*\"]", "slot: other\n    tables: [\"public.*\"]", 1) },
			want: `unknown slot "other"`,
		},
		"duplicate consumer": {
			edit: func(s string) string { return strings.Replace(s, "id: audit-kafka", "id: orders-webhook", 1) },
			want: "defined twice",
		},
		"bad filter": {
			edit: func(s string) string { return strings.Replace(s, "op: gt", "op: between", 1) },
			want: "orders-webhook",
		},
		"bad checkpoint backend": {
			edit: func(s string) string { return strings.Replace(s, "backend: sqlite", "backend: etcd", 1) },
			want: "invalid config",
		},
		"backoff factor below one": {
			edit: func(s string) string { return s + "delivery:\n  backoff:\n    factor: 0.5\n" },
			want: "Factor",
		},
		"missing publication": {
			edit: func(s string) string { return strings.Replace(s, "publication: app_pub", "", 1) },
			want: "Publication",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadYAML(t, tc.edit(sampleYAML))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSlotsRequireDSN(t *testing.T) {
	body := strings.Replace(sampleYAML, "  dsn: postgres://sequin@localhost:5432/app\n", "", 1)
	_, err := loadYAML(t, body)
	if err == nil || !strings.Contains(err.Error(), "replication_dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}
