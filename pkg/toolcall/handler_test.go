package toolcall

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelabs/coda/pkg/chat"
	"github.com/mirelabs/coda/pkg/tools"
)

func newTestHandler(t *testing.T, executor tools.Executor) *Handler {
	t.Helper()
	catalog, err := tools.NewCatalog([]tools.Tool{
		{
			ID:        "a-c-git",
			Name:      "git",
			Installed: true,
			Actions: []tools.Action{
				{Name: "commit", Params: []tools.Param{
					{Name: "message", Type: "string", Required: true},
				}},
				{Name: "status"},
			},
		},
		{ID: "a-c-docker", Name: "docker", Installed: false, Actions: []tools.Action{{Name: "ps"}}},
	})
	require.NoError(t, err)
	return New(catalog, executor, "/tmp/project", time.Second, zerolog.Nop())
}

func echoExecutor(output string) tools.Executor {
	return tools.ExecutorFunc(func(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
		return tools.Result{Success: true, Output: output}
	})
}

func TestHandleToolCallsOneMessagePerCall(t *testing.T) {
	h := newTestHandler(t, echoExecutor("done"))

	calls := []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_status", Arguments: "{}"},
		{ID: "call_2", Name: "a-c-git_commit", Arguments: `{"message":"fix"}`},
	}

	msgs, err := h.HandleToolCalls(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, chat.RoleTool, msgs[0].Role)
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
	assert.Equal(t, "call_2", msgs[1].ToolCallID)
	assert.Contains(t, msgs[0].Content, "[a-c-git:status]")
	assert.Contains(t, msgs[0].Content, "done")
}

func TestUnknownToolBecomesResult(t *testing.T) {
	h := newTestHandler(t, echoExecutor(""))

	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "nonexistent_action", Arguments: "{}"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "Error: unknown tool call")
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
}

func TestUninstalledToolBecomesResult(t *testing.T) {
	h := newTestHandler(t, echoExecutor(""))

	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-docker_ps", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "not available")
}

func TestMalformedArgumentsBecomeResult(t *testing.T) {
	executed := false
	h := newTestHandler(t, tools.ExecutorFunc(func(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
		executed = true
		return tools.Result{Success: true}
	}))

	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_commit", Arguments: `{"message":`},
	})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Contains(t, msgs[0].Content, "not valid JSON")
}

func TestSchemaViolationBecomesResult(t *testing.T) {
	h := newTestHandler(t, echoExecutor(""))

	// commit requires "message"
	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_commit", Arguments: `{}`},
	})
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "do not match the tool schema")
}

func TestExecutorFailureBecomesResult(t *testing.T) {
	h := newTestHandler(t, tools.ExecutorFunc(func(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
		return tools.Result{Success: false, Error: "merge conflict", Output: "CONFLICT in main.go"}
	}))

	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_status", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Contains(t, msgs[0].Content, "Error: merge conflict")
	assert.Contains(t, msgs[0].Content, "CONFLICT in main.go")
}

func TestCancellationAbortsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestHandler(t, tools.ExecutorFunc(func(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
		cancel()
		return tools.Result{Success: true, Output: "first"}
	}))

	msgs, err := h.HandleToolCalls(ctx, []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_status", Arguments: "{}"},
		{ID: "call_2", Name: "a-c-git_status", Arguments: "{}"},
	})
	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "call_1", msgs[0].ToolCallID)
}

func TestExecutorReceivesWorkingDirectory(t *testing.T) {
	var gotCWD string
	h := newTestHandler(t, tools.ExecutorFunc(func(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
		gotCWD = opts.CWD
		return tools.Result{Success: true}
	}))

	_, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_status", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", gotCWD)
}

func TestResultHeaderFormat(t *testing.T) {
	h := newTestHandler(t, echoExecutor("output line"))

	msgs, err := h.HandleToolCalls(context.Background(), []chat.ToolCall{
		{ID: "call_1", Name: "a-c-git_commit", Arguments: `{"message":"x"}`},
	})
	require.NoError(t, err)

	lines := strings.SplitN(msgs[0].Content, "\n", 2)
	require.Len(t, lines, 2)
	assert.Regexp(t, `^\[a-c-git:commit\] \(\d+\.\ds\)$`, lines[0])
	assert.Equal(t, "output line", lines[1])
}
