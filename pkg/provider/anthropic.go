package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/pkg/chat"
)

const (
	anthropicVersion = "2023-06-01"
	// Interleaved thinking between tool calls needs the beta flag.
	anthropicBeta = "interleaved-thinking-2025-05-14"
)

// AnthropicClient speaks the Anthropic messages dialect: system prompt as a
// top-level field, tool results as user content blocks, and named SSE
// events keyed by content-block index.
type AnthropicClient struct {
	opts   Options
	logger zerolog.Logger
}

// NewAnthropicClient builds a client for an Anthropic-compatible endpoint.
func NewAnthropicClient(opts Options, logger zerolog.Logger) *AnthropicClient {
	opts.applyDefaults()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com/v1"
	}
	observability.EnsureRegistered()
	return &AnthropicClient{
		opts:   opts,
		logger: logger.With().Str("component", "provider").Str("dialect", "anthropic").Logger(),
	}
}

// Model returns the configured model identifier.
func (c *AnthropicClient) Model() string {
	return c.opts.Model
}

// Request encoding. As with the OpenAI dialect, struct field order pins the
// serialized byte layout.

type anthropicRequest struct {
	Model      string               `json:"model"`
	MaxTokens  int                  `json:"max_tokens"`
	System     string               `json:"system,omitempty"`
	Messages   []anthropicMessage   `json:"messages"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking   *anthropicThinking   `json:"thinking,omitempty"`
	Stream     bool                 `json:"stream"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

func (c *AnthropicClient) encodeRequest(req Request, stream bool) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}

	system, messages := encodeAnthropicMessages(req.Messages, req.Prefill)

	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     encodeAnthropicTools(req.Tools),
		Stream:    stream,
	}
	if body.Model == "" {
		body.Model = c.opts.Model
	}
	if req.ToolChoice != "" {
		body.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.ToolChoice}
	}
	if req.EnableThinking {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: 1024}
	}
	return json.Marshal(body)
}

// encodeAnthropicMessages lifts the system slot out of the history, turns
// tool results into user-role tool_result blocks, and re-expands assistant
// tool calls into tool_use blocks.
func encodeAnthropicMessages(messages []chat.Message, prefill string) (string, []anthropicMessage) {
	system := ""
	out := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			system = msg.Content
		case chat.RoleUser:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		case chat.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case chat.RoleAssistant:
			var blocks []anthropicBlock
			if msg.ReasoningContent != "" {
				blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: msg.ReasoningContent})
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = []anthropicBlock{{Type: "text", Text: ""}}
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		}
	}

	if prefill != "" {
		out = append(out, anthropicMessage{
			Role:    "assistant",
			Content: []anthropicBlock{{Type: "text", Text: prefill}},
		})
	}
	return system, out
}

func encodeAnthropicTools(tools []ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *AnthropicClient) newHTTPRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("anthropic-beta", anthropicBeta)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// Blocking chat.

type anthropicResponse struct {
	Content []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Input    json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat performs a blocking completion with the shared retry policy.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*Response, error) {
	return chatWithRetry(ctx, "anthropic", c.opts.MaxRetries, c.logger, func(ctx context.Context) (*Response, error) {
		return c.chatOnce(ctx, req)
	})
}

func (c *AnthropicClient) chatOnce(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	body, err := c.encodeRequest(req, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := c.newHTTPRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && IsCancellation(ctx.Err()) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	msg := chat.Message{Role: chat.RoleAssistant}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "thinking":
			msg.ReasoningContent += block.Thinking
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return &Response{
		Message:      msg,
		FinishReason: normalizeStopReason(parsed.StopReason, msg.ToolCalls),
		Usage: &chat.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// Streaming chat.

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicBlockState tracks one in-flight content block by stream index.
type anthropicBlockState struct {
	kind string
	call chat.ToolCall
	args strings.Builder
}

// StreamChat opens a streaming completion. Text and thinking deltas are
// forwarded as they arrive; tool_use blocks accumulate their input JSON
// and land whole on the terminal chunk.
func (c *AnthropicClient) StreamChat(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	body, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	reqCtx, dog := startWatchdog(ctx, c.opts.ConnectionTimeout, c.opts.ActivityTimeout)

	httpReq, err := c.newHTTPRequest(reqCtx, body, true)
	if err != nil {
		dog.stop()
		return nil, err
	}

	resp, err := doStreamRequest(ctx, c.opts.HTTPClient, httpReq, dog)
	if err != nil {
		dog.stop()
		return nil, err
	}

	stream := newStream()
	go c.consumeStream(ctx, resp, dog, stream)
	return stream, nil
}

func (c *AnthropicClient) consumeStream(ctx context.Context, resp *http.Response, dog *watchdog, stream *Stream) {
	defer resp.Body.Close()
	defer dog.stop()

	reader := newSSEReader(resp.Body)
	blocks := make(map[int]*anthropicBlockState)
	var blockOrder []int
	var content strings.Builder
	usage := &chat.Usage{}
	stopReason := ""

	fail := func(err error) {
		err = classifyStreamFailure(ctx, dog, err)
		if IsCancellation(err) || err == ErrStreamTimeout {
			stream.finish(err)
			return
		}
		stream.finish(&StreamError{
			Partial: &chat.Message{Role: chat.RoleAssistant, Content: content.String()},
			Err:     err,
		})
	}

	finalize := func() {
		var calls []chat.ToolCall
		for _, idx := range blockOrder {
			state := blocks[idx]
			if state.kind != "tool_use" || !state.call.Complete() {
				continue
			}
			call := state.call
			call.Arguments = state.args.String()
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			calls = append(calls, call)
		}
		terminal := chat.StreamChunk{
			ToolCalls:    calls,
			FinishReason: normalizeStopReason(stopReason, calls),
			Usage:        usage,
		}
		if !stream.emit(ctx, terminal) {
			stream.finish(ErrCancelled)
			return
		}
		stream.finish(nil)
	}

	for {
		eventName, data, err := reader.readEvent()
		if err != nil {
			if err == io.EOF {
				// The protocol ends with message_stop; a bare EOF
				// still yields whatever was assembled.
				finalize()
				return
			}
			fail(err)
			return
		}
		dog.pet()

		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Debug().Err(err).Str("event", eventName).Msg("Skipping malformed stream event")
			continue
		}
		if event.Type == "" {
			event.Type = eventName
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			state := &anthropicBlockState{kind: event.ContentBlock.Type}
			if state.kind == "tool_use" {
				state.call = chat.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
				}
			}
			blocks[event.Index] = state
			blockOrder = append(blockOrder, event.Index)

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				observability.RecordStreamChunk("anthropic")
				content.WriteString(event.Delta.Text)
				if !stream.emit(ctx, chat.StreamChunk{ContentDelta: event.Delta.Text}) {
					stream.finish(ErrCancelled)
					return
				}
			case "thinking_delta":
				observability.RecordStreamChunk("anthropic")
				if !stream.emit(ctx, chat.StreamChunk{ReasoningDelta: event.Delta.Thinking}) {
					stream.finish(ErrCancelled)
					return
				}
			case "input_json_delta":
				if state, ok := blocks[event.Index]; ok {
					state.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			// Block boundaries carry no payload.

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			finalize()
			return

		case "error":
			msg := "provider stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			fail(fmt.Errorf("%s", msg))
			return

		case "ping":
			// Keepalive only.
		}
	}
}

// normalizeStopReason maps Anthropic stop reasons onto the neutral enum,
// with the same tool-call override as the OpenAI dialect.
func normalizeStopReason(raw string, calls []chat.ToolCall) chat.FinishReason {
	if len(calls) > 0 {
		return chat.FinishToolCalls
	}
	switch raw {
	case "tool_use":
		return chat.FinishToolCalls
	case "max_tokens":
		return chat.FinishLength
	default:
		return chat.FinishStop
	}
}
