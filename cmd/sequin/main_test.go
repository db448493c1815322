package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
postgres:
  dsn: postgres://sequin@localhost:5432/app
slots:
  - name: app_slot
    publication: app_pub
consumers:
  - id: orders-mock
    slot: app_slot
    tables: ["public.orders"]
    destination:
      type: mock
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sequin.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", writeConfig(t, validConfig)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "1 slot(s), 1 consumer(s)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestValidateCommandRejectsUnknownSlot(t *testing.T) {
	body := strings.Replace(validConfig, "slot: app_slot", "slot: other_slot", 1)
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--config", writeConfig(t, body)})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown slot") {
		t.Fatalf("expected unknown slot error, got %v", err)
	}
}
