// Package chat defines the vendor-neutral conversation data model shared by
// the session store, the protocol clients, and the orchestrator.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal state reported by a provider for one response.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishEOS       FinishReason = "eos"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// ToolCall is a model-emitted request to invoke a local tool action.
// Name encodes "<toolID>_<actionName>".
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Complete reports whether the call carries enough data to be dispatched.
// Streaming providers deliver calls in fragments; a call without a name is
// a fragment that never finished accumulating.
func (tc ToolCall) Complete() bool {
	return tc.Name != ""
}

// Message is a single conversation turn.
type Message struct {
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

// Usage is the provider-reported token accounting for one exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// StreamChunk is one incremental unit of a streamed provider response.
// All fields are optional; a chunk carrying a FinishReason is terminal.
type StreamChunk struct {
	ContentDelta   string
	ReasoningDelta string
	ToolCalls      []ToolCall
	FinishReason   FinishReason
	Usage          *Usage
}

// Terminal reports whether the chunk ends the stream.
func (c StreamChunk) Terminal() bool {
	return c.FinishReason != ""
}

// EstimateTokens is the deterministic fallback used for messages whose token
// cost was never confirmed by a provider: 1 token per 4 characters, rounded up.
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// EstimateMessageTokens sums estimates over content, reasoning, and tool-call
// arguments of a single message.
func EstimateMessageTokens(msg Message) int {
	total := EstimateTokens(msg.Content)
	if msg.ReasoningContent != "" {
		total += EstimateTokens(msg.ReasoningContent)
	}
	for _, tc := range msg.ToolCalls {
		total += EstimateTokens(tc.Name) + EstimateTokens(tc.Arguments)
	}
	return total
}
