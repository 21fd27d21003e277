package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

type captureSink struct {
	entries []LogEntry
}

func (c *captureSink) AppendLog(_ context.Context, rec LogEntry) error {
	c.entries = append(c.entries, rec)
	return nil
}

func TestStoreHandlerLiftsReservedAttrs(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewStoreHandler(sink, slog.LevelInfo))

	logger.Info("session touched",
		"source", "ss", "chat_id", int64(100), "session", "default", "handle_rotated", true)

	if len(sink.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Source != "ss" || e.ChatID != 100 || e.SessionName != "default" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Level != "INFO" || e.Message != "session touched" {
		t.Fatalf("entry = %+v", e)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		t.Fatalf("payload %q: %v", e.Payload, err)
	}
	if payload["handle_rotated"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if _, leaked := payload["source"]; leaked {
		t.Fatal("reserved attr leaked into payload")
	}
}

func TestStoreHandlerDefaultsSource(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewStoreHandler(sink, slog.LevelInfo))

	logger.Warn("something odd")

	if len(sink.entries) != 1 {
		t.Fatalf("entries = %d", len(sink.entries))
	}
	if sink.entries[0].Source != "homestead" || sink.entries[0].Level != "WARNING" {
		t.Fatalf("entry = %+v", sink.entries[0])
	}
}

func TestStoreHandlerRespectsLevel(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(NewStoreHandler(sink, slog.LevelWarn))

	logger.Info("below threshold")
	logger.Error("above threshold")

	if len(sink.entries) != 1 || sink.entries[0].Level != "ERROR" {
		t.Fatalf("entries = %+v", sink.entries)
	}
}

func TestStoreHandlerWithAttrs(t *testing.T) {
	sink := &captureSink{}
	base := slog.New(NewStoreHandler(sink, slog.LevelInfo))
	scoped := base.With("source", "sc", "job_id", "j-1")

	scoped.Info("job fired")

	e := sink.entries[0]
	if e.Source != "sc" {
		t.Fatalf("source = %q", e.Source)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["job_id"] != "j-1" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
