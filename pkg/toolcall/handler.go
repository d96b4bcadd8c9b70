// Package toolcall turns model-emitted tool calls into tool-role messages
// by resolving, validating, and executing each call in order.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/internal/tracing"
	"github.com/mirelabs/coda/pkg/chat"
	"github.com/mirelabs/coda/pkg/tools"
)

// Handler executes tool calls against a frozen catalog. Failures of any
// kind become tool-role messages rather than errors so the model can read
// them and correct course.
type Handler struct {
	catalog  *tools.Catalog
	executor tools.Executor
	cwd      string
	timeout  time.Duration
	logger   zerolog.Logger
}

const defaultToolTimeout = 2 * time.Minute

// New creates a Handler. A zero timeout falls back to two minutes.
func New(catalog *tools.Catalog, executor tools.Executor, cwd string, timeout time.Duration, logger zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	observability.EnsureRegistered()
	return &Handler{
		catalog:  catalog,
		executor: executor,
		cwd:      cwd,
		timeout:  timeout,
		logger:   logger.With().Str("component", "toolcall").Logger(),
	}
}

// HandleToolCalls executes calls sequentially and returns exactly one
// tool-role message per call, in call order. Only context cancellation
// aborts the batch.
func (h *Handler) HandleToolCalls(ctx context.Context, calls []chat.ToolCall) ([]chat.Message, error) {
	results := make([]chat.Message, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, h.handleOne(ctx, call))
	}
	return results, nil
}

func (h *Handler) handleOne(ctx context.Context, call chat.ToolCall) chat.Message {
	ctx, span := tracing.StartSpan(
		ctx,
		"coda.toolcall",
		"toolcall.execute",
		attribute.String("call_id", call.ID),
		attribute.String("call_name", call.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, h.logger).With().Str("call", call.Name).Logger()

	tool, action, ok := h.catalog.Resolve(call.Name)
	if !ok {
		logger.Warn().Msg("Unknown tool call")
		observability.RecordToolCall(call.Name, 0, false)
		return toolMessage(call, fmt.Sprintf("Error: unknown tool call %q. Only the tools offered in this conversation are available.", call.Name))
	}
	if !tool.Installed {
		observability.RecordToolCall(call.Name, 0, false)
		return toolMessage(call, fmt.Sprintf("Error: tool %q is not available on this machine.", tool.ID))
	}

	args, errMsg := h.parseArguments(tool.ID, action, call.Arguments)
	if errMsg != "" {
		logger.Warn().Str("reason", errMsg).Msg("Rejected tool arguments")
		observability.RecordToolCall(call.Name, 0, false)
		return toolMessage(call, "Error: "+errMsg)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	result := h.executor.ExecuteAction(execCtx, tool, action, args, tools.ExecOptions{
		CWD:     h.cwd,
		Timeout: h.timeout,
	})
	elapsed := time.Since(start)

	observability.RecordToolCall(call.Name, elapsed, result.Success)
	logger.Info().
		Bool("success", result.Success).
		Dur("elapsed", elapsed).
		Msg("Tool call finished")

	header := fmt.Sprintf("[%s:%s] (%.1fs)\n", tool.ID, action, elapsed.Seconds())
	if !result.Success {
		body := result.Error
		if body == "" {
			body = "tool execution failed"
		}
		if result.Output != "" {
			body += "\n" + result.Output
		}
		return toolMessage(call, header+"Error: "+body)
	}
	return toolMessage(call, header+result.Output)
}

// parseArguments decodes the raw JSON and checks it against the action's
// compiled schema. Returns a message describing the first problem found.
func (h *Handler) parseArguments(toolID, action, raw string) (map[string]interface{}, string) {
	if raw == "" {
		raw = "{}"
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Sprintf("arguments are not valid JSON: %v", err)
	}

	schema := h.catalog.Schema(toolID, action)
	if schema == nil {
		return args, ""
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return nil, fmt.Sprintf("argument validation failed: %v", err)
	}
	if !result.Valid() {
		msg := "arguments do not match the tool schema:"
		for _, issue := range result.Errors() {
			msg += " " + issue.String() + ";"
		}
		return nil, msg
	}
	return args, ""
}

func toolMessage(call chat.ToolCall, content string) chat.Message {
	return chat.Message{
		Role:       chat.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
}
