package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Level != "info" || cfg.Format != FormatJSON || cfg.Output != "stdout" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := Config{Level: "loud", Format: FormatJSON}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid level error")
	}
	bad = Config{Level: "debug", Format: "xml"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := Component(zerolog.New(&buf), "live")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry[FieldComponent] != "live" {
		t.Fatalf("component = %v, want live", entry[FieldComponent])
	}
}
