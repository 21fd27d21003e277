package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// LogSink is the slice of the event-log store the handler needs.
type LogSink interface {
	AppendLog(ctx context.Context, rec LogEntry) error
}

// LogEntry mirrors one event-log row. Defined here (rather than importing
// the persistence type) so the store can depend on telemetry-free packages
// and the handler can be tested against a fake sink.
type LogEntry struct {
	Timestamp   int64
	Level       string
	Source      string
	Message     string
	Payload     string
	SessionName string
	ChatID      int64
}

// Reserved attribute keys lifted into dedicated event-log columns.
const (
	AttrSource  = "source"
	AttrChatID  = "chat_id"
	AttrSession = "session"
)

// StoreHandler is a slog.Handler that mirrors every record into the
// event-log store. The "source" attribute becomes the record's hierarchical
// source; "chat_id" and "session" land in their columns; everything else is
// packed into the JSON payload.
type StoreHandler struct {
	sink  LogSink
	level slog.Level
	attrs []slog.Attr
}

func NewStoreHandler(sink LogSink, level slog.Level) *StoreHandler {
	return &StoreHandler{sink: sink, level: level}
}

func (h *StoreHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *StoreHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Timestamp: r.Time.Unix(),
		Level:     levelName(r.Level),
		Source:    "homestead",
		Message:   r.Message,
	}
	if r.Time.IsZero() {
		entry.Timestamp = time.Now().Unix()
	}

	payload := make(map[string]any)
	consume := func(a slog.Attr) {
		switch a.Key {
		case AttrSource:
			entry.Source = a.Value.String()
		case AttrChatID:
			entry.ChatID = a.Value.Int64()
		case AttrSession:
			entry.SessionName = a.Value.String()
		case "":
		default:
			payload[a.Key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		consume(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		consume(a)
		return true
	})

	if len(payload) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			entry.Payload = string(data)
		}
	}

	// Never let a logging failure propagate into the caller's control
	// flow; the JSONL file remains the fallback record.
	_ = h.sink.AppendLog(ctx, entry)
	return nil
}

func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StoreHandler{sink: h.sink, level: h.level, attrs: merged}
}

func (h *StoreHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the event log keys payloads by attribute name.
	return h
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
