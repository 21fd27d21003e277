package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/homesteadhq/homestead/internal/fault"
)

const defaultXAIBaseURL = "https://api.x.ai"

// XAI drives the x.ai chat-completions API with a streamed response body.
// The API is stateless per request, so the turn carries no resumable
// thread: the handle passes through unchanged and history lives on the
// provider side of the CLI backend only.
type XAI struct {
	APIKey  string
	BaseURL string
	// Client is the HTTP client for requests. Nil uses a client with no
	// overall timeout; the turn context bounds the stream instead.
	Client *http.Client
}

func (x *XAI) Name() string { return "xai" }

type xaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []xaiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type xaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type xaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (x *XAI) StreamTurn(ctx context.Context, model string, req TurnRequest, onDelta DeltaFunc) (TurnResult, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	if x.APIKey == "" {
		return TurnResult{}, fault.New(fault.KindValidation, "xai api key not configured")
	}
	if model == "" {
		model = "grok-3"
	}
	base := x.BaseURL
	if base == "" {
		base = defaultXAIBaseURL
	}

	body, err := json.Marshal(xaiChatRequest{
		Model:    model,
		Messages: []xaiMessage{{Role: "user", Content: req.UserText}},
		Stream:   true,
	})
	if err != nil {
		return TurnResult{}, fault.Wrap(fault.KindInternal, err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(base, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, fault.Wrap(fault.KindInternal, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+x.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	client := x.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		return TurnResult{}, fault.Wrap(fault.KindTransport, err, "xai request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return TurnResult{}, fault.New(fault.KindBackend, "xai returned %d: %s", resp.StatusCode, firstLine(string(detail)))
	}

	var (
		accum strings.Builder
		usage Usage
		done  bool
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			done = true
			break
		}
		var chunk xaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return TurnResult{}, fault.Wrap(fault.KindBackend, err, "malformed stream chunk")
		}
		if chunk.Usage != nil {
			usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				accum.WriteString(choice.Delta.Content)
				onDelta(choice.Delta.Content)
			}
			if choice.FinishReason != "" && choice.FinishReason != "stop" {
				return TurnResult{}, fault.New(fault.KindBackend, "stream finished with reason %q", choice.FinishReason)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		return TurnResult{}, fault.Wrap(fault.KindTransport, err, "read stream")
	}
	if !done && ctx.Err() != nil {
		return TurnResult{}, ctx.Err()
	}
	if accum.Len() == 0 {
		return TurnResult{}, fault.New(fault.KindBackend, "stream ended with no content")
	}

	return TurnResult{
		Text:      accum.String(),
		NewHandle: req.Handle, // stateless API; handle passes through
		Usage:     usage,
	}, nil
}
