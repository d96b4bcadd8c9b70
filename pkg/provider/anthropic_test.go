package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/coda/pkg/chat"
)

func newAnthropicTestClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropicClient(Options{
		BaseURL:           server.URL,
		APIKey:            "sk-ant-test",
		Model:             "claude-sonnet-4-20250514",
		ConnectionTimeout: 5 * time.Second,
		ActivityTimeout:   5 * time.Second,
		MaxRetries:        1,
	}, zerolog.Nop())
}

func namedEventHandler(events ...[2]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event[0], event[1])
			flusher.Flush()
		}
	}
}

func TestAnthropicStreamFullTurn(t *testing.T) {
	client := newAnthropicTestClient(t, namedEventHandler(
		[2]string{"message_start", `{"type":"message_start","message":{"usage":{"input_tokens":25}}}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan the commit"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Committing now."}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"a-c-git_commit"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"message\":"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"fix\"}"}}`},
		[2]string{"content_block_stop", `{"type":"content_block_stop","index":2}`},
		[2]string{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":40}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	))

	stream, err := client.StreamChat(context.Background(), Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "commit my changes"}},
	})
	require.NoError(t, err)

	chunks := collectStream(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, chunks, 3)

	assert.Equal(t, "plan the commit", chunks[0].ReasoningDelta)
	assert.Equal(t, "Committing now.", chunks[1].ContentDelta)

	terminal := chunks[2]
	assert.Equal(t, chat.FinishToolCalls, terminal.FinishReason)
	require.Len(t, terminal.ToolCalls, 1)
	assert.Equal(t, "toolu_1", terminal.ToolCalls[0].ID)
	assert.Equal(t, "a-c-git_commit", terminal.ToolCalls[0].Name)
	assert.JSONEq(t, `{"message":"fix"}`, terminal.ToolCalls[0].Arguments)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 25, terminal.Usage.PromptTokens)
	assert.Equal(t, 40, terminal.Usage.CompletionTokens)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	client := newAnthropicTestClient(t, namedEventHandler(
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial answer"}}`},
		[2]string{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	))

	stream, err := client.StreamChat(context.Background(), Request{})
	require.NoError(t, err)

	collectStream(t, stream)
	require.Error(t, stream.Err())

	var streamErr *StreamError
	require.ErrorAs(t, stream.Err(), &streamErr)
	require.NotNil(t, streamErr.Partial)
	assert.Equal(t, "partial answer", streamErr.Partial.Content)
	assert.Contains(t, streamErr.Err.Error(), "Overloaded")
}

func TestAnthropicStreamIgnoresPing(t *testing.T) {
	client := newAnthropicTestClient(t, namedEventHandler(
		[2]string{"ping", `{"type":"ping"}`},
		[2]string{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	))

	stream, err := client.StreamChat(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collectStream(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, chunks, 2)
	assert.Equal(t, "hi", chunks[0].ContentDelta)
}

func TestAnthropicRequestEncoding(t *testing.T) {
	var captured []byte
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NotEmpty(t, r.Header.Get("anthropic-beta"))
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	})

	_, err := client.Chat(context.Background(), Request{
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "be terse"},
			{Role: chat.RoleUser, Content: "status?"},
			{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{
				{ID: "toolu_1", Name: "a-c-git_status", Arguments: `{"verbose":true}`},
			}},
			{Role: chat.RoleTool, ToolCallID: "toolu_1", Content: "clean"},
		},
		ToolChoice:     "a-c-git_status",
		EnableThinking: true,
	})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(captured, &body))

	// System prompt rides a top-level field, never a message.
	assert.Equal(t, "be terse", body["system"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 3)

	// Tool results travel as user-role tool_result blocks.
	toolResult := messages[2].(map[string]interface{})
	assert.Equal(t, "user", toolResult["role"])
	block := toolResult["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_1", block["tool_use_id"])

	choice := body["tool_choice"].(map[string]interface{})
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, "a-c-git_status", choice["name"])

	thinking := body["thinking"].(map[string]interface{})
	assert.Equal(t, "enabled", thinking["type"])
	assert.EqualValues(t, 1024, thinking["budget_tokens"])
}

func TestAnthropicBlockingChat(t *testing.T) {
	client := newAnthropicTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"content":[
				{"type":"text","text":"Done."},
				{"type":"tool_use","id":"toolu_9","name":"plan_exit","input":{"reason":"complete"}}
			],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":12,"output_tokens":8}
		}`)
	})

	resp, err := client.Chat(context.Background(), Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "done?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, chat.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, 20, resp.Usage.Total())
}

func TestNewFactory(t *testing.T) {
	openai, err := New("openai", Options{Model: "gpt-4o"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", openai.Model())

	anthropic, err := New("anthropic", Options{Model: "claude-sonnet-4-20250514"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", anthropic.Model())

	_, err = New("cohere", Options{}, zerolog.Nop())
	assert.Error(t, err)
}
