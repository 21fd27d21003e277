package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
)

// OutboxAction enqueues a message for delivery through the bot channel.
type OutboxAction struct {
	ChatID    int64  `json:"chat_id"`
	AgentName string `json:"agent_name"`
	Message   string `json:"message"`
}

// CommandAction spawns a local command under a bounded timeout.
type CommandAction struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout int      `json:"timeout"` // seconds; 0 uses the scheduler default
}

// WebhookAction performs an HTTP request under a bounded timeout.
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

var actionSchemas = map[persistence.ActionKind]string{
	persistence.ActionOutbox: `{
		"type": "object",
		"required": ["chat_id", "agent_name", "message"],
		"properties": {
			"chat_id":    {"type": "integer"},
			"agent_name": {"type": "string", "minLength": 1},
			"message":    {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	persistence.ActionCommand: `{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"args":    {"type": "array", "items": {"type": "string"}},
			"timeout": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	persistence.ActionWebhook: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url":     {"type": "string", "minLength": 1},
			"method":  {"type": "string"},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body":    {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

var compileSchemas = sync.OnceValues(func() (map[persistence.ActionKind]*jsonschema.Schema, error) {
	compiled := make(map[persistence.ActionKind]*jsonschema.Schema, len(actionSchemas))
	for kind, src := range actionSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		name := string(kind) + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		compiled[kind] = s
	}
	return compiled, nil
})

// ValidateActionConfig checks an action config against the schema for its
// kind, bit-exact per the action contracts. Called at the API boundary so
// the fire loop only ever sees well-formed configs.
func ValidateActionConfig(kind persistence.ActionKind, raw json.RawMessage) error {
	schemas, err := compileSchemas()
	if err != nil {
		return fmt.Errorf("action schemas: %w", err)
	}
	schema, ok := schemas[kind]
	if !ok {
		return fault.New(fault.KindValidation, "unknown action kind %q", kind)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "action config is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid %s action config", kind)
	}
	return nil
}

// execAction runs one fired job's action. The claim is already recorded;
// failures here are reported, never retried.
func (s *Scheduler) execAction(ctx context.Context, job persistence.Job) error {
	switch job.ActionKind {
	case persistence.ActionOutbox:
		var a OutboxAction
		if err := json.Unmarshal(job.ActionConfig, &a); err != nil {
			return fault.Wrap(fault.KindValidation, err, "decode outbox action")
		}
		_, err := s.store.EnqueueOutbox(ctx, a.ChatID, a.AgentName, a.Message, "HTML")
		return err

	case persistence.ActionCommand:
		return s.execCommand(ctx, job)

	case persistence.ActionWebhook:
		return s.execWebhook(ctx, job)

	default:
		return fault.New(fault.KindValidation, "unknown action kind %q", job.ActionKind)
	}
}

func (s *Scheduler) execCommand(ctx context.Context, job persistence.Job) error {
	var a CommandAction
	if err := json.Unmarshal(job.ActionConfig, &a); err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode command action")
	}
	timeout := s.actionTimeout
	if a.Timeout > 0 {
		timeout = time.Duration(a.Timeout) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, a.Command, a.Args...)
	out, err := cmd.CombinedOutput()
	s.logger.Debug("job command output",
		"source", "sc", "job_id", job.ID, "output", truncate(string(out), 4096))
	if cmdCtx.Err() == context.DeadlineExceeded {
		return fault.New(fault.KindTimeout, "command timed out after %s", timeout)
	}
	if err != nil {
		return fault.Wrap(fault.KindBackend, err, "command failed: %s", truncate(string(out), 512))
	}
	return nil
}

func (s *Scheduler) execWebhook(ctx context.Context, job persistence.Job) error {
	var a WebhookAction
	if err := json.Unmarshal(job.ActionConfig, &a); err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode webhook action")
	}
	method := a.Method
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, a.URL, strings.NewReader(a.Body))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "build webhook request")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return fault.New(fault.KindTimeout, "webhook timed out after %s", s.actionTimeout)
		}
		return fault.Wrap(fault.KindTransport, err, "webhook request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fault.New(fault.KindBackend, "webhook returned %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
