package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitizerMasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", LevelDebug, &buf)
	l.Info("login", Fields{"api_key": "abc123", "user_id": "u1"})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["api_key"] != "MASKED" {
		t.Errorf("api_key not masked: %v", rec["api_key"])
	}
	if rec["user_id"] != "u1" {
		t.Errorf("ordinary field mangled: %v", rec["user_id"])
	}
	if strings.Contains(buf.String(), "abc123") {
		t.Error("credential value leaked into output")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", LevelWarn, &buf)
	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("below-threshold records written: %s", buf.String())
	}
	l.Warn("visible", nil)
	if buf.Len() == 0 {
		t.Fatal("warn record suppressed")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug || ParseLevel("WARNING") != LevelWarn {
		t.Error("level aliases not parsed")
	}
	if ParseLevel("garbage") != LevelInfo {
		t.Error("unknown level should default to INFO")
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx, id := GetOrCreateCorrelationID(ctx)
	if id == "" {
		t.Fatal("no id minted")
	}
	ctx2, id2 := GetOrCreateCorrelationID(ctx)
	if id2 != id {
		t.Error("existing id should be reused")
	}
	if GetCorrelationID(ctx2) != id {
		t.Error("id not retrievable from context")
	}

	var buf bytes.Buffer
	l := NewLogger("test", LevelInfo, &buf).WithContext(ctx)
	l.Info("hello", nil)
	if !strings.Contains(buf.String(), id) {
		t.Error("correlation id missing from record")
	}
}
