package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "homestead.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.SetAllowedChats([]int64{100, 200})
	return store
}

func activeCount(t *testing.T, store *Store, chatID int64) int {
	t.Helper()
	sessions, err := store.ListSessions(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, s := range sessions {
		if s.IsActive {
			n++
		}
	}
	return n
}

func TestCreateSessionDeactivatesPrior(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateSession(ctx, 100, "default", "claude-cli-default", 7)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if !first.IsActive {
		t.Fatal("first session not active")
	}

	second, err := store.CreateSession(ctx, 100, "scratch", "claude-cli-default", 7)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if !second.IsActive {
		t.Fatal("second session not active")
	}

	if n := activeCount(t, store, 100); n != 1 {
		t.Fatalf("active sessions = %d, want exactly 1", n)
	}
	active, err := store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if active.Name != "scratch" {
		t.Fatalf("active = %q, want scratch", active.Name)
	}
}

func TestCreateSessionDuplicateName(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, 100, "default", "m", 0); err != nil {
		t.Fatal(err)
	}
	_, err := store.CreateSession(ctx, 100, "default", "m", 0)
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("duplicate create error = %v, want conflict", err)
	}

	// The same name in a different chat is fine.
	if _, err := store.CreateSession(ctx, 200, "default", "m", 0); err != nil {
		t.Fatalf("same name, other chat: %v", err)
	}
}

func TestActivateSessionSwitches(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, 100, "a")
	mustCreate(t, store, 100, "b")

	if err := store.ActivateSession(ctx, 100, "a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	active, err := store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if active.Name != "a" {
		t.Fatalf("active = %q, want a", active.Name)
	}
	if n := activeCount(t, store, 100); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}

	err = store.ActivateSession(ctx, 100, "missing")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("activate missing error = %v, want not_found", err)
	}
}

func TestTouchSessionBumpsAndRotatesHandle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, 100, "default")

	at := time.Now().Add(time.Minute)
	if err := store.TouchSession(ctx, 100, "default", "h-1", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	sess, err := store.GetSession(ctx, 100, "default")
	if err != nil {
		t.Fatal(err)
	}
	if sess.BackendHandle != "h-1" || sess.MessageCount != 1 || sess.LastActiveAt != at.Unix() {
		t.Fatalf("after touch: %+v", sess)
	}

	// Empty handle preserves the stored one.
	if err := store.TouchSession(ctx, 100, "default", "", at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	sess, err = store.GetSession(ctx, 100, "default")
	if err != nil {
		t.Fatal(err)
	}
	if sess.BackendHandle != "h-1" || sess.MessageCount != 2 {
		t.Fatalf("after second touch: %+v", sess)
	}

	err = store.TouchSession(ctx, 100, "missing", "h", at)
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("touch missing error = %v, want not_found", err)
	}
}

func TestDeleteActiveSessionLeavesNoneActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, 100, "default")
	if err := store.DeleteSession(ctx, 100, "default"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := store.ActiveSession(ctx, 100)
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("active after delete = %v, want not_found", err)
	}
}

func TestListSessionsRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, 100, "old")
	mustCreate(t, store, 100, "new")
	if err := store.TouchSession(ctx, 100, "old", "", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.ListSessions(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].Name != "old" {
		t.Fatalf("sessions = %+v, want old first after its later touch", sessions)
	}
}

func mustCreate(t *testing.T, store *Store, chatID int64, name string) *Session {
	t.Helper()
	sess, err := store.CreateSession(context.Background(), chatID, name, "claude-cli-default", 0)
	if err != nil {
		t.Fatalf("create session %s: %v", name, err)
	}
	return sess
}
