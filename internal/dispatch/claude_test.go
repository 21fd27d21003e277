package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

// stubCLI writes a shell script that plays back scripted stdout lines,
// standing in for the real claude binary.
func stubCLI(t *testing.T, body string) *ClaudeCLI {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return &ClaudeCLI{Binary: path}
}

func TestClaudeCLIStreamTurn(t *testing.T) {
	cli := stubCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"h-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Hi "}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"there."}]}}'
echo '{"type":"result","result":"Hi there.","session_id":"h-1"}'
`)

	var deltas []string
	res, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "hello"},
		func(text string) { deltas = append(deltas, text) })
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if res.Text != "Hi there." {
		t.Fatalf("text = %q", res.Text)
	}
	if res.NewHandle != "h-1" {
		t.Fatalf("new handle = %q", res.NewHandle)
	}
	if got := strings.Join(deltas, ""); got != "Hi there." {
		t.Fatalf("deltas concatenate to %q", got)
	}
}

func TestClaudeCLIUnchangedHandle(t *testing.T) {
	cli := stubCLI(t, `
echo '{"type":"system","subtype":"init","session_id":"h-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Fine."}]}}'
echo '{"type":"result","result":"Fine.","session_id":"h-1"}'
`)

	res, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "and you?", Handle: "h-1"}, nil)
	if err == nil && res.NewHandle != "" {
		t.Fatalf("resumed turn with same session id should not report a new handle, got %q", res.NewHandle)
	}
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if res.Text != "Fine." {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestClaudeCLINonZeroExit(t *testing.T) {
	cli := stubCLI(t, `
echo "model not available" >&2
exit 1
`)

	_, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "hello"}, nil)
	if !fault.IsKind(err, fault.KindBackend) {
		t.Fatalf("expected backend fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "model not available") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestClaudeCLIErrorResult(t *testing.T) {
	cli := stubCLI(t, `
echo '{"type":"result","result":"credit exhausted","is_error":true}'
`)

	_, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "hello"}, nil)
	if !fault.IsKind(err, fault.KindBackend) {
		t.Fatalf("expected backend fault, got %v", err)
	}
}

func TestClaudeCLIMalformedStream(t *testing.T) {
	cli := stubCLI(t, `
echo 'this is not json'
`)

	_, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "hello"}, nil)
	if !fault.IsKind(err, fault.KindBackend) {
		t.Fatalf("expected backend fault, got %v", err)
	}
}

func TestClaudeCLIMissingBinary(t *testing.T) {
	cli := &ClaudeCLI{Binary: filepath.Join(t.TempDir(), "no-such-binary")}

	_, err := cli.StreamTurn(context.Background(), "", TurnRequest{UserText: "hello"}, nil)
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for missing binary, got %v", err)
	}
}

func TestClaudeCLICancel(t *testing.T) {
	cli := stubCLI(t, `
sleep 30
`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := cli.StreamTurn(ctx, "", TurnRequest{UserText: "hello"}, nil)
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > killGrace+5*time.Second {
		t.Fatalf("cancel did not terminate within grace: %v", elapsed)
	}
}
