package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/dispatch"
)

func dialChat(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.http.URL+"/ws/chat?api_key="+testToken, nil)
	if err != nil {
		t.Fatalf("dial chat socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn) []chatFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []chatFrame
	for {
		var f chatFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read frame: %v (got %d so far)", err, len(frames))
		}
		frames = append(frames, f)
		if f.Type == "result" || f.Type == "error" {
			return frames
		}
	}
}

func TestChatSocketStreamsTurn(t *testing.T) {
	env := newTestEnv(t)
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)

	if len(frames) != 3 {
		t.Fatalf("frames = %+v, want 2 deltas and a result", frames)
	}
	if frames[0].Type != "delta" || frames[0].Text != "Hi " {
		t.Fatalf("first frame = %+v", frames[0])
	}
	if frames[1].Type != "delta" || frames[1].Text != "there." {
		t.Fatalf("second frame = %+v", frames[1])
	}
	final := frames[2]
	if final.Type != "result" || final.Text != "Hi there." || final.SessionHandle != "h-1" {
		t.Fatalf("final frame = %+v", final)
	}

	sess, err := env.store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Name != "default" || sess.BackendHandle != "h-1" || sess.MessageCount != 1 {
		t.Fatalf("session after turn = %+v", sess)
	}
}

func TestChatSocketResumesHandle(t *testing.T) {
	env := newTestEnv(t)
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "first"}); err != nil {
		t.Fatal(err)
	}
	readFrames(t, conn)

	env.backend.result.NewHandle = ""
	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "second"}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)

	if env.backend.gotHandle != "h-1" {
		t.Fatalf("second turn handle = %q, want h-1", env.backend.gotHandle)
	}
	final := frames[len(frames)-1]
	if final.SessionHandle != "h-1" {
		t.Fatalf("result handle = %q, want preserved h-1", final.SessionHandle)
	}
	sess, err := env.store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", sess.MessageCount)
	}
}

func TestChatSocketNamedSession(t *testing.T) {
	env := newTestEnv(t)
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{SessionName: "work", ChatID: 100, Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)
	if frames[len(frames)-1].Type != "result" {
		t.Fatalf("final frame = %+v", frames[len(frames)-1])
	}

	sess, err := env.store.GetSession(ctx, 100, "work")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Model != "claude-cli-default" || sess.MessageCount != 1 {
		t.Fatalf("named session = %+v", sess)
	}
}

func TestChatSocketValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)
	if len(frames) != 1 || frames[0].Type != "error" {
		t.Fatalf("frames = %+v, want a single error", frames)
	}

	// The connection survives a rejected request.
	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	frames = readFrames(t, conn)
	if frames[len(frames)-1].Type != "result" {
		t.Fatalf("final frame after retry = %+v", frames[len(frames)-1])
	}
}

func TestChatSocketReportsBackendError(t *testing.T) {
	env := newTestEnv(t)
	env.backend.err = context.DeadlineExceeded
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)
	final := frames[len(frames)-1]
	if final.Type != "error" || final.Message != "model timed out" {
		t.Fatalf("final frame = %+v", final)
	}

	sess, err := env.store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 0 || sess.BackendHandle != "" {
		t.Fatalf("failed turn touched the session: %+v", sess)
	}
}

func TestChatSocketRejectsUnlistedChat(t *testing.T) {
	env := newTestEnv(t)
	conn := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 999, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, conn)
	if len(frames) != 1 || frames[0].Type != "error" || frames[0].Message != "chat not allowed" {
		t.Fatalf("frames = %+v, want a single allow-list error", frames)
	}

	sessions, err := env.store.ListSessions(ctx, 999)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("unlisted chat got a session: %+v", sessions)
	}
	if depth := env.server.cfg.Queue.Depth(999); depth != 0 {
		t.Fatalf("unlisted chat reached the queue, depth = %d", depth)
	}

	// Listed chats still work on the same connection.
	if err := wsjson.Write(ctx, conn, chatRequest{ChatID: 100, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	frames = readFrames(t, conn)
	if frames[len(frames)-1].Type != "result" {
		t.Fatalf("final frame for listed chat = %+v", frames[len(frames)-1])
	}
}

// sequencedBackend blocks its first call until released and records the
// handle each call arrived with.
type sequencedBackend struct {
	release chan struct{}

	mu      sync.Mutex
	calls   int
	handles []string
}

func (b *sequencedBackend) Name() string { return "sequenced" }

func (b *sequencedBackend) StreamTurn(ctx context.Context, model string, req dispatch.TurnRequest, onDelta dispatch.DeltaFunc) (dispatch.TurnResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.handles = append(b.handles, req.Handle)
	b.mu.Unlock()

	if call == 1 {
		select {
		case <-b.release:
		case <-ctx.Done():
			return dispatch.TurnResult{}, ctx.Err()
		}
		return dispatch.TurnResult{Text: "one done", NewHandle: "h-1"}, nil
	}
	return dispatch.TurnResult{Text: "two done"}, nil
}

func (b *sequencedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *sequencedBackend) seenHandles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.handles...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChatSocketTouchLandsBeforeNextTurn(t *testing.T) {
	env := newTestEnv(t)
	seq := &sequencedBackend{release: make(chan struct{})}
	env.server.cfg.Dispatcher.Register("claude-cli-default", "", seq)

	first := dialChat(t, env)
	second := dialChat(t, env)
	ctx := context.Background()

	if err := wsjson.Write(ctx, first, chatRequest{ChatID: 100, Message: "one"}); err != nil {
		t.Fatal(err)
	}
	// The first turn must be inside the backend before the second is
	// queued, so the second runs strictly behind it on the same chat.
	waitUntil(t, "first turn to reach the backend", func() bool { return seq.callCount() == 1 })

	if err := wsjson.Write(ctx, second, chatRequest{ChatID: 100, Message: "two"}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "second turn to queue", func() bool { return env.server.cfg.Queue.Depth(100) == 2 })
	close(seq.release)

	f1 := readFrames(t, first)
	if last := f1[len(f1)-1]; last.Type != "result" || last.SessionHandle != "h-1" {
		t.Fatalf("first turn final frame = %+v", last)
	}
	f2 := readFrames(t, second)
	if last := f2[len(f2)-1]; last.Type != "result" {
		t.Fatalf("second turn final frame = %+v", last)
	}

	handles := seq.seenHandles()
	if len(handles) != 2 || handles[0] != "" || handles[1] != "h-1" {
		t.Fatalf("handles at dispatch = %v, want the second turn to see h-1 persisted by the first", handles)
	}
	sess, err := env.store.ActiveSession(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if sess.MessageCount != 2 || sess.BackendHandle != "h-1" {
		t.Fatalf("session after both turns = %+v", sess)
	}
}

func dialEvents(t *testing.T, env *testEnv, topics string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.http.URL+"/ws/events?topics="+topics+"&api_key="+testToken, nil)
	if err != nil {
		t.Fatalf("dial events socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	waitUntil(t, "events subscription to register", func() bool { return env.bus.SubscriberCount() > 0 })
	return conn
}

func TestEventsSocketForwardsOutboxTraffic(t *testing.T) {
	env := newTestEnv(t)
	conn := dialEvents(t, env, "outbox.")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := env.store.EnqueueOutbox(ctx, 100, "almanac", "hello", "HTML"); err != nil {
		t.Fatal(err)
	}

	var f eventFrame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if f.Topic != bus.TopicOutboxEnqueued {
		t.Fatalf("topic = %q, want %q", f.Topic, bus.TopicOutboxEnqueued)
	}
	payload, ok := f.Payload.(map[string]any)
	if !ok || payload["ChatID"] != float64(100) || payload["AgentName"] != "almanac" {
		t.Fatalf("payload = %+v", f.Payload)
	}
}

func TestEventsSocketSeesStreamDeltas(t *testing.T) {
	env := newTestEnv(t)
	events := dialEvents(t, env, "stream.")
	chat := dialChat(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, chat, chatRequest{ChatID: 100, Message: "hello"}); err != nil {
		t.Fatal(err)
	}
	readFrames(t, chat)

	for _, want := range []string{"Hi ", "there."} {
		var f eventFrame
		if err := wsjson.Read(ctx, events, &f); err != nil {
			t.Fatalf("read delta event: %v", err)
		}
		if f.Topic != bus.TopicStreamDelta {
			t.Fatalf("topic = %q, want %q", f.Topic, bus.TopicStreamDelta)
		}
		payload, ok := f.Payload.(map[string]any)
		if !ok || payload["Text"] != want {
			t.Fatalf("payload = %+v, want text %q", f.Payload, want)
		}
	}
}

func TestChatSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.http.URL+"/ws/chat?api_key=wrong", nil)
	if err == nil {
		t.Fatal("dial with a bad token should fail")
	}
	if resp != nil && resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
