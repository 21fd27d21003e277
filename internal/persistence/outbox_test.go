package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

func TestEnqueueOutboxEnforcesAllowList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.EnqueueOutbox(ctx, 100, "almanac", "hello", ""); err != nil {
		t.Fatalf("enqueue allowed chat: %v", err)
	}
	_, err := store.EnqueueOutbox(ctx, 999, "almanac", "hello", "")
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("enqueue disallowed chat = %v, want validation", err)
	}
	_, err = store.EnqueueOutbox(ctx, 100, "almanac", "", "")
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("enqueue empty body = %v, want validation", err)
	}
}

func TestClaimOutboxOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, body := range []string{"one", "two", "three"} {
		id, err := store.EnqueueOutbox(ctx, 100, "almanac", body, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	msgs, err := store.ClaimOutboxBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != ids[0] || msgs[1].ID != ids[1] {
		t.Fatalf("claimed = %+v, want the two oldest", msgs)
	}
	if msgs[0].ParseMode != "HTML" {
		t.Fatalf("parse mode defaulted to %q, want HTML", msgs[0].ParseMode)
	}
}

func TestOutboxSentAtOnlyOnSentRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueOutbox(ctx, 100, "almanac", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := store.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != OutboxPending || msg.SentAt != nil {
		t.Fatalf("pending row = %+v", msg)
	}

	at := time.Now()
	if err := store.MarkOutboxSent(ctx, id, at); err != nil {
		t.Fatal(err)
	}
	msg, err = store.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != OutboxSent || msg.SentAt == nil || *msg.SentAt != at.Unix() {
		t.Fatalf("sent row = %+v", msg)
	}

	// Terminal rows are immutable: a late failure mark is a no-op.
	if err := store.MarkOutboxFailed(ctx, id, "too late"); err != nil {
		t.Fatal(err)
	}
	msg, err = store.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != OutboxSent || msg.FailReason != "" {
		t.Fatalf("row mutated after terminal state: %+v", msg)
	}
}

func TestOutboxFailedKeepsReasonAndNoSentAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueOutbox(ctx, 100, "almanac", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkOutboxFailed(ctx, id, "transport_timeout"); err != nil {
		t.Fatal(err)
	}
	msg, err := store.GetOutboxMessage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != OutboxFailed || msg.FailReason != "transport_timeout" || msg.SentAt != nil {
		t.Fatalf("failed row = %+v", msg)
	}

	// Failed rows are never re-claimed.
	msgs, err := store.ClaimOutboxBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("claimed %d rows, want 0", len(msgs))
	}
}
