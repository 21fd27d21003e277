package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

func TestQueryLogsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Unix()
	for _, rec := range []LogRecord{
		{Timestamp: base - 30, Level: "INFO", Source: "md", Message: "turn complete", ChatID: 100},
		{Timestamp: base - 20, Level: "ERROR", Source: "herald.outbox", Message: "outbox delivery gave up"},
		{Timestamp: base - 10, Level: "INFO", Source: "herald.bot", Message: "session rotated"},
	} {
		if err := store.AppendLog(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.QueryLogs(ctx, LogQuery{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != "herald.outbox" {
		t.Fatalf("level filter = %+v", got)
	}

	// Source prefix matches the hierarchy.
	got, err = store.QueryLogs(ctx, LogQuery{SourcePrefix: "herald"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("source prefix matched %d records, want 2", len(got))
	}

	got, err = store.QueryLogs(ctx, LogQuery{Substring: "rotated"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "session rotated" {
		t.Fatalf("substring filter = %+v", got)
	}

	got, err = store.QueryLogs(ctx, LogQuery{Since: base - 25, Until: base - 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Level != "ERROR" {
		t.Fatalf("time window = %+v", got)
	}

	_, err = store.QueryLogs(ctx, LogQuery{Level: "CHATTY"})
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("bad level = %v, want validation", err)
	}
}

func TestQueryLogsNewestFirstAndLimited(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Unix()
	for i := int64(0); i < 5; i++ {
		if err := store.AppendLog(ctx, LogRecord{
			Timestamp: base + i, Level: "INFO", Source: "sc", Message: "tick",
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.QueryLogs(ctx, LogQuery{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("limit returned %d records", len(got))
	}
	if got[0].Timestamp != base+4 || got[2].Timestamp != base+2 {
		t.Fatalf("not newest-first: %+v", got)
	}
}

func TestLikeWildcardsAreLiteral(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendLog(ctx, LogRecord{Level: "INFO", Source: "md", Message: "progress 50% done"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendLog(ctx, LogRecord{Level: "INFO", Source: "md", Message: "progress half done"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.QueryLogs(ctx, LogQuery{Substring: "50% done"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("%% treated as a wildcard: matched %d records", len(got))
	}
}

func TestLogSummaryGroupsBySourceAndLevel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, rec := range []LogRecord{
		{Level: "INFO", Source: "sc", Message: "job fired"},
		{Level: "INFO", Source: "sc", Message: "job fired"},
		{Level: "ERROR", Source: "sc", Message: "job action failed"},
		{Level: "INFO", Source: "md", Message: "turn complete"},
	} {
		if err := store.AppendLog(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := store.LogSummary(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if summary["sc"]["INFO"] != 2 || summary["sc"]["ERROR"] != 1 || summary["md"]["INFO"] != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestAppendLogCoercesUnknownLevel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendLog(ctx, LogRecord{Level: "TRACE", Source: "md", Message: "m"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.QueryLogs(ctx, LogQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Level != "INFO" {
		t.Fatalf("records = %+v, want coerced INFO", got)
	}
}
