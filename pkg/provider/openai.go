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

// OpenAIClient speaks the OpenAI-compatible chat-completions dialect: flat
// role-tagged messages, bearer auth, anonymous "data:" SSE events, and a
// "[DONE]" sentinel.
type OpenAIClient struct {
	opts   Options
	logger zerolog.Logger
}

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(opts Options, logger zerolog.Logger) *OpenAIClient {
	opts.applyDefaults()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	observability.EnsureRegistered()
	return &OpenAIClient{
		opts:   opts,
		logger: logger.With().Str("component", "provider").Str("dialect", "openai").Logger(),
	}
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string {
	return c.opts.Model
}

// Request encoding. Field order is fixed by the struct definitions so the
// same logical request always serializes to the same bytes, which keeps
// server-side prompt caches warm.

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Tools          []openAITool      `json:"tools,omitempty"`
	ToolChoice     *openAIToolChoice `json:"tool_choice,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Stream         bool              `json:"stream"`
	EnableThinking bool              `json:"enable_thinking,omitempty"`
	StreamOpts     *openAIStreamOpts `json:"stream_options,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string        `json:"type"`
	Function openAIToolDef `json:"function"`
}

type openAIToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

func (c *OpenAIClient) encodeRequest(req Request, stream bool) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}

	body := openAIRequest{
		Model:          req.Model,
		Messages:       encodeOpenAIMessages(req.Messages, req.Prefill),
		Tools:          encodeOpenAITools(req.Tools),
		MaxTokens:      maxTokens,
		Stream:         stream,
		EnableThinking: req.EnableThinking,
	}
	if body.Model == "" {
		body.Model = c.opts.Model
	}
	if req.ToolChoice != "" {
		choice := &openAIToolChoice{Type: "function"}
		choice.Function.Name = req.ToolChoice
		body.ToolChoice = choice
	}
	if stream {
		body.StreamOpts = &openAIStreamOpts{IncludeUsage: true}
	}
	return json.Marshal(body)
}

func encodeOpenAIMessages(messages []chat.Message, prefill string) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages)+1)
	for _, msg := range messages {
		m := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	if prefill != "" {
		out = append(out, openAIMessage{Role: string(chat.RoleAssistant), Content: prefill})
	}
	return out
}

func encodeOpenAITools(tools []ToolSchema) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// Blocking chat.

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role             string           `json:"role"`
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat performs a blocking completion with the shared retry policy.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	return chatWithRetry(ctx, "openai", c.opts.MaxRetries, c.logger, func(ctx context.Context) (*Response, error) {
		return c.chatOnce(ctx, req)
	})
}

func (c *OpenAIClient) chatOnce(ctx context.Context, req Request) (*Response, error) {
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

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := parsed.Choices[0]
	msg := chat.Message{
		Role:             chat.RoleAssistant,
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	out := &Response{
		Message:      msg,
		FinishReason: normalizeFinishReason(choice.FinishReason, msg.ToolCalls),
	}
	if parsed.Usage != nil {
		out.Usage = &chat.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// Streaming chat.

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamChat opens a streaming completion. Content and reasoning deltas are
// forwarded as they arrive; tool-call fragments accumulate by index and are
// attached whole to the terminal chunk.
func (c *OpenAIClient) StreamChat(ctx context.Context, req Request) (*Stream, error) {
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

// openAIAccumulator assembles tool calls from indexed fragments. Some
// gateways send the id and name on a later fragment than the first
// arguments slice, so every field is merged independently.
type openAIAccumulator struct {
	byIndex map[int]*chat.ToolCall
	order   []int
}

func newOpenAIAccumulator() *openAIAccumulator {
	return &openAIAccumulator{byIndex: make(map[int]*chat.ToolCall)}
}

func (a *openAIAccumulator) add(index int, id, name, arguments string) {
	call, ok := a.byIndex[index]
	if !ok {
		call = &chat.ToolCall{}
		a.byIndex[index] = call
		a.order = append(a.order, index)
	}
	if id != "" {
		call.ID = id
	}
	if name != "" {
		call.Name += name
	}
	call.Arguments += arguments
}

// complete returns assembled calls in arrival order, dropping fragments
// that never received a name.
func (a *openAIAccumulator) complete() []chat.ToolCall {
	var out []chat.ToolCall
	for _, idx := range a.order {
		if call := a.byIndex[idx]; call.Complete() {
			out = append(out, *call)
		}
	}
	return out
}

func (c *OpenAIClient) consumeStream(ctx context.Context, resp *http.Response, dog *watchdog, stream *Stream) {
	defer resp.Body.Close()
	defer dog.stop()

	reader := newSSEReader(resp.Body)
	acc := newOpenAIAccumulator()
	var content strings.Builder
	var usage *chat.Usage
	finishReason := ""
	finishSeen := false

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

	for {
		_, data, err := reader.readEvent()
		if err != nil {
			if err == io.EOF || finishSeen {
				// Server hung up without [DONE], or went quiet after
				// its finish_reason; the response is complete either
				// way, so a late read failure must not discard it.
				c.finalize(ctx, stream, acc, finishReason, usage)
				return
			}
			fail(err)
			return
		}
		dog.pet()

		if bytes.Equal(data, []byte("[DONE]")) {
			c.finalize(ctx, stream, acc, finishReason, usage)
			return
		}

		var event openAIStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Malformed frames are dropped, not fatal.
			c.logger.Debug().Err(err).Msg("Skipping malformed stream event")
			continue
		}

		if event.Usage != nil {
			usage = &chat.Usage{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
			}
		}
		if finishSeen {
			// Only the trailing usage frame is expected after
			// finish_reason; whatever this frame was, the response
			// ends here rather than waiting on [DONE].
			c.finalize(ctx, stream, acc, finishReason, usage)
			return
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
			finishSeen = true
		}
		for _, frag := range choice.Delta.ToolCalls {
			acc.add(frag.Index, frag.ID, frag.Function.Name, frag.Function.Arguments)
		}

		if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
			observability.RecordStreamChunk("openai")
			content.WriteString(choice.Delta.Content)
			chunk := chat.StreamChunk{
				ContentDelta:   choice.Delta.Content,
				ReasoningDelta: choice.Delta.ReasoningContent,
			}
			if !stream.emit(ctx, chunk) {
				stream.finish(ErrCancelled)
				return
			}
		}

		if finishSeen && usage != nil {
			c.finalize(ctx, stream, acc, finishReason, usage)
			return
		}
	}
}

func (c *OpenAIClient) finalize(ctx context.Context, stream *Stream, acc *openAIAccumulator, finishReason string, usage *chat.Usage) {
	calls := acc.complete()
	terminal := chat.StreamChunk{
		ToolCalls:    calls,
		FinishReason: normalizeFinishReason(finishReason, calls),
		Usage:        usage,
	}
	if !stream.emit(ctx, terminal) {
		stream.finish(ErrCancelled)
		return
	}
	stream.finish(nil)
}

// normalizeFinishReason maps the wire value to the neutral enum. A response
// that produced complete tool calls is a tool_calls finish no matter what
// the server reported; several gateways mislabel it "stop".
func normalizeFinishReason(raw string, calls []chat.ToolCall) chat.FinishReason {
	if len(calls) > 0 {
		return chat.FinishToolCalls
	}
	switch raw {
	case "tool_calls", "function_call":
		return chat.FinishToolCalls
	case "length":
		return chat.FinishLength
	case "eos":
		return chat.FinishEOS
	default:
		return chat.FinishStop
	}
}
