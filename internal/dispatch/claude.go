package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

// killGrace is how long a canceled CLI process gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// ClaudeCLI drives the claude command-line tool as a per-turn subprocess.
// Each turn spawns the binary with --print --output-format stream-json and
// parses the NDJSON event stream from stdout. The CLI's own session id is
// the backend handle; passing it back via --resume continues the thread.
type ClaudeCLI struct {
	// Binary is the executable path; empty resolves "claude" from PATH.
	Binary string
}

func (c *ClaudeCLI) Name() string { return "claude-cli" }

// streamEvent is one NDJSON line from the CLI. Only the fields the
// dispatcher consumes are declared.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Usage     *cliUsage       `json:"usage,omitempty"`
}

type cliUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (c *ClaudeCLI) StreamTurn(ctx context.Context, model string, req TurnRequest, onDelta DeltaFunc) (TurnResult, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return TurnResult{}, fault.Wrap(fault.KindValidation, err, "claude binary %q not found", binary)
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Handle != "" {
		args = append(args, "--resume", req.Handle)
	}
	args = append(args, "--", req.UserText)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TurnResult{}, fault.Wrap(fault.KindTransport, err, "open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return TurnResult{}, fault.Wrap(fault.KindTransport, err, "spawn %s", binary)
	}

	var (
		res       TurnResult
		accum     strings.Builder
		sawResult bool
		parseErr  error
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			parseErr = fmt.Errorf("malformed stream line: %w", err)
			break
		}
		switch ev.Type {
		case "system":
			if ev.SessionID != "" && res.NewHandle == "" && ev.SessionID != req.Handle {
				res.NewHandle = ev.SessionID
			}
		case "assistant":
			var msg cliMessage
			if err := json.Unmarshal(ev.Message, &msg); err != nil {
				continue
			}
			for _, block := range msg.Content {
				if block.Type == "text" && block.Text != "" {
					accum.WriteString(block.Text)
					onDelta(block.Text)
				}
			}
		case "result":
			sawResult = true
			if ev.IsError {
				parseErr = fault.New(fault.KindBackend, "cli reported error: %s", firstLine(ev.Result))
				break
			}
			// The result event's text is authoritative; it normally
			// equals the concatenated assistant deltas.
			if ev.Result != "" {
				res.Text = ev.Result
			} else {
				res.Text = accum.String()
			}
			if ev.SessionID != "" && ev.SessionID != req.Handle {
				res.NewHandle = ev.SessionID
			}
			if ev.Usage != nil {
				res.Usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
			}
		}
		if parseErr != nil {
			break
		}
	}
	if parseErr == nil {
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			parseErr = fmt.Errorf("read stream: %w", err)
		}
	}

	// Drain remaining output so a process blocked on a full pipe can
	// exit; the turn context still bounds a runaway writer.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return TurnResult{}, ctx.Err()
	}
	if parseErr != nil {
		var fe *fault.Error
		if errors.As(parseErr, &fe) {
			return TurnResult{}, parseErr
		}
		return TurnResult{}, fault.Wrap(fault.KindBackend, parseErr, "claude stream")
	}
	if waitErr != nil {
		return TurnResult{}, fault.Wrap(fault.KindBackend, waitErr, "claude exited: %s", firstLine(stderr.String()))
	}
	if !sawResult {
		return TurnResult{}, fault.New(fault.KindBackend, "stream ended without a result event")
	}
	if res.Text == "" {
		res.Text = accum.String()
	}
	return res, nil
}

// firstLine trims diagnostics to one line for error messages; the full
// text still reaches the log via the wrapped error.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
