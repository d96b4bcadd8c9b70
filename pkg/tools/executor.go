package tools

import (
	"context"
	"time"
)

// ExecOptions bound one external tool action execution.
type ExecOptions struct {
	CWD     string
	Timeout time.Duration
}

// Result is the uniform outcome of one tool action execution.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor is the seam to the tool-discovery/execution subsystem. The
// engine never spawns processes itself; it hands resolved actions across
// this boundary and consumes normalized results.
type Executor interface {
	ExecuteAction(ctx context.Context, tool Tool, action string, args map[string]interface{}, opts ExecOptions) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, tool Tool, action string, args map[string]interface{}, opts ExecOptions) Result

// ExecuteAction implements Executor.
func (f ExecutorFunc) ExecuteAction(ctx context.Context, tool Tool, action string, args map[string]interface{}, opts ExecOptions) Result {
	return f(ctx, tool, action, args, opts)
}
