package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupJSON(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	var buf bytes.Buffer
	logger := Setup(&buf, "warn", "json", map[string]string{"service": "sequin"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", logger.GetLevel())
	}

	log.Info().Msg("dropped")
	log.Warn().Str("slot", "app_slot").Msg("kept")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "kept" || entry["service"] != "sequin" || entry["slot"] != "app_slot" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	logger := Setup(&bytes.Buffer{}, "loud", "console", nil)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}
