package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("should accept a well-formed tool round", func(t *testing.T) {
		messages := []Message{
			{Role: RoleUser, Content: "run it"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "a-c-git_status", Arguments: "{}"}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "clean"},
			{Role: RoleAssistant, Content: "done"},
		}

		assert.Empty(t, Validate(messages))
	})

	t.Run("should flag orphan tool result", func(t *testing.T) {
		messages := []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleTool, ToolCallID: "ghost", Content: "??"},
		}

		issues := Validate(messages)
		require.Len(t, issues, 1)
		assert.Equal(t, "ghost", issues[0].ToolCallID)
	})

	t.Run("should flag unanswered tool call before next user message", func(t *testing.T) {
		messages := []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "x_y"}}},
			{Role: RoleUser, Content: "never mind"},
		}

		issues := Validate(messages)
		require.Len(t, issues, 1)
		assert.Equal(t, "call_1", issues[0].ToolCallID)
	})
}

func TestRepair(t *testing.T) {
	t.Run("should drop orphan results and strip unanswered calls", func(t *testing.T) {
		messages := []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1", Name: "a_b"},
				{ID: "call_2", Name: "c_d"},
			}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "ok"},
			{Role: RoleTool, ToolCallID: "ghost", Content: "??"},
		}

		repaired, removed := Repair(messages)
		assert.Equal(t, 1, removed)
		require.Len(t, repaired, 3)
		require.Len(t, repaired[1].ToolCalls, 1)
		assert.Equal(t, "call_1", repaired[1].ToolCalls[0].ID)
	})

	t.Run("should drop result that precedes its call", func(t *testing.T) {
		messages := []Message{
			{Role: RoleTool, ToolCallID: "call_1", Content: "early"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "a_b"}}},
		}

		repaired, removed := Repair(messages)
		assert.Equal(t, 1, removed)
		require.Len(t, repaired, 1)
		assert.Empty(t, repaired[0].ToolCalls)
	})

	t.Run("should be idempotent", func(t *testing.T) {
		messages := []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "a_b"}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "ok"},
			{Role: RoleTool, ToolCallID: "call_1", Content: "dup"},
			{Role: RoleTool, ToolCallID: "none", Content: "orphan"},
		}

		once, removedOnce := Repair(messages)
		assert.Equal(t, 2, removedOnce)

		twice, removedTwice := Repair(once)
		assert.Equal(t, 0, removedTwice)
		assert.Equal(t, once, twice)
	})

	t.Run("should not fail on empty input", func(t *testing.T) {
		repaired, removed := Repair(nil)
		assert.Equal(t, 0, removed)
		assert.Empty(t, repaired)
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
