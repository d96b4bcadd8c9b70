// Package orchestrator drives one conversation turn end to end: checkpoint,
// mask computation, the streaming round loop, tool dispatch, and the
// save-or-rollback decision.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirelabs/coda/internal/observability"
	"github.com/mirelabs/coda/internal/tracing"
	"github.com/mirelabs/coda/pkg/chat"
	"github.com/mirelabs/coda/pkg/provider"
	"github.com/mirelabs/coda/pkg/session"
	"github.com/mirelabs/coda/pkg/toolcall"
	"github.com/mirelabs/coda/pkg/toolmask"
	"github.com/mirelabs/coda/pkg/tools"
)

// roundLimitNotice is appended when a turn burns through every allowed
// tool-call round without producing a final answer. The turn still ends
// cleanly; progress so far stays in the session.
const roundLimitNotice = "I've reached the tool-call limit for a single message. " +
	"Everything done so far has been saved; send another message to continue."

// Config tunes one orchestrator instance.
type Config struct {
	MaxToolCallRounds int
	// SystemPrompt is the base prompt; plan mode appends its own section.
	SystemPrompt string
	ProjectTypes []string
	// OS overrides runtime detection in the mask builder; for tests.
	OS string
	// EnableThinking requests reasoning output from providers that gate it.
	EnableThinking bool
}

// Events surface turn progress to the caller. All callbacks are optional
// and run on the turn goroutine.
type Events struct {
	OnContent    func(delta string)
	OnReasoning  func(delta string)
	OnToolCall   func(call chat.ToolCall)
	OnToolResult func(msg chat.Message)
	OnModeChange func(planMode bool)
}

// Orchestrator owns the round loop for a single session. Not safe for
// concurrent turns; the message queue upstream enforces one at a time.
type Orchestrator struct {
	client   provider.Client
	sess     *session.Session
	store    *session.Store
	handler  *toolcall.Handler
	catalog  *tools.Catalog
	cfg      Config
	events   Events
	logger   zerolog.Logger
	planMode bool
}

// New wires an orchestrator. store may be nil for sessions that should not
// be persisted.
func New(client provider.Client, sess *session.Session, store *session.Store, handler *toolcall.Handler, catalog *tools.Catalog, cfg Config, events Events, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxToolCallRounds <= 0 {
		cfg.MaxToolCallRounds = 40
	}
	observability.EnsureRegistered()
	return &Orchestrator{
		client:  client,
		sess:    sess,
		store:   store,
		handler: handler,
		catalog: catalog,
		cfg:     cfg,
		events:  events,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// PlanMode reports the current mode, which a mid-turn mode-switch call can
// change.
func (o *Orchestrator) PlanMode() bool {
	return o.planMode
}

// PlanTool returns the engine's own mode-switch pseudo-tool. It never
// reaches the executor; the orchestrator intercepts its calls.
func PlanTool() tools.Tool {
	return tools.Tool{
		ID:          toolmask.PlanToolID,
		Name:        "plan",
		Description: "Switch between planning and execution.",
		Installed:   true,
		Actions: []tools.Action{
			{
				Name:        "enter",
				Description: "Enter plan mode to think through an approach before making changes.",
			},
			{
				Name:        "exit",
				Description: "Exit plan mode and start executing the plan.",
				Params: []tools.Param{
					{Name: "plan", Type: "string", Description: "The plan to execute", Required: true},
				},
			},
		},
	}
}

// StreamMessage runs one streaming turn and returns the assistant's final
// content. On failure the session is rolled back to its pre-turn state; on
// cancellation partial output is kept and ErrCancelled is returned.
func (o *Orchestrator) StreamMessage(ctx context.Context, content string, files []string, planMode bool) (string, error) {
	if ctx.Err() != nil {
		return "", provider.ErrCancelled
	}
	ctx = tracing.NewTurnContext(ctx, o.sess.ID())
	ctx, span := tracing.StartSpan(
		ctx,
		"coda.orchestrator",
		"turn.stream",
		attribute.Bool("plan_mode", planMode),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)
	start := time.Now()

	o.planMode = planMode
	checkpoint := o.sess.Checkpoint()
	o.sess.SetSystemPrompt(o.systemPromptFor(o.planMode))

	userText := content
	o.compactIfNeeded(ctx, content, logger)
	// File context rides the user message exactly once per turn, no
	// matter how many rounds follow.
	o.sess.AddUserMessage(injectFileContext(content, files))

	rounds := 0
	var finalContent string
	// Reasoning carries across rounds within the turn; later tool-using
	// rounds build on the earlier chain of thought. Content does not.
	var reasoning strings.Builder

	for round := 0; round < o.cfg.MaxToolCallRounds; round++ {
		rounds++
		mask := toolmask.Build(toolmask.Input{
			Text:         userText,
			Model:        o.client.Model(),
			ProjectTypes: o.cfg.ProjectTypes,
			OS:           o.cfg.OS,
		}, o.planMode, o.catalog)

		msg, usage, finish, err := o.streamRound(ctx, o.buildRequest(mask), &reasoning, logger)
		if err != nil {
			if provider.IsCancellation(err) {
				o.savePartial(msg.Content, logger)
				observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
				return msg.Content, provider.ErrCancelled
			}
			logger.Error().Err(err).Int("round", round).Msg("Turn failed, rolling back")
			o.sess.Rollback(checkpoint)
			observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
			return "", err
		}

		o.sess.AddAssistantMessage(msg, usage)
		if usage != nil {
			observability.RecordUsage(usage.PromptTokens, usage.CompletionTokens)
		}
		finalContent = msg.Content

		if finish != chat.FinishToolCalls || len(msg.ToolCalls) == 0 {
			o.save(logger)
			observability.RecordTurn(o.client.Model(), time.Since(start), rounds, true)
			return finalContent, nil
		}

		if err := o.runToolCalls(ctx, msg.ToolCalls); err != nil {
			if provider.IsCancellation(err) {
				o.save(logger)
				observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
				return finalContent, provider.ErrCancelled
			}
			o.sess.Rollback(checkpoint)
			observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
			return "", err
		}
	}

	// Round budget exhausted with the model still asking for tools.
	logger.Warn().Int("rounds", rounds).Msg("Tool-call round limit reached")
	o.sess.AddAssistantMessage(chat.Message{Content: roundLimitNotice}, nil)
	o.save(logger)
	observability.RecordTurn(o.client.Model(), time.Since(start), rounds, true)
	return roundLimitNotice, nil
}

// ProcessMessage is the non-streaming variant of StreamMessage, used where
// no incremental display exists.
func (o *Orchestrator) ProcessMessage(ctx context.Context, content string, files []string, planMode bool) (string, error) {
	if ctx.Err() != nil {
		return "", provider.ErrCancelled
	}
	ctx = tracing.NewTurnContext(ctx, o.sess.ID())
	logger := tracing.LoggerFromContext(ctx, o.logger)
	start := time.Now()

	o.planMode = planMode
	checkpoint := o.sess.Checkpoint()
	o.sess.SetSystemPrompt(o.systemPromptFor(o.planMode))

	userText := content
	o.compactIfNeeded(ctx, content, logger)
	o.sess.AddUserMessage(injectFileContext(content, files))

	rounds := 0
	var finalContent string
	var reasoning strings.Builder

	for round := 0; round < o.cfg.MaxToolCallRounds; round++ {
		rounds++
		mask := toolmask.Build(toolmask.Input{
			Text:         userText,
			Model:        o.client.Model(),
			ProjectTypes: o.cfg.ProjectTypes,
			OS:           o.cfg.OS,
		}, o.planMode, o.catalog)

		resp, err := o.client.Chat(ctx, o.buildRequest(mask))
		if err != nil {
			if provider.IsCancellation(err) {
				observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
				return "", provider.ErrCancelled
			}
			o.sess.Rollback(checkpoint)
			observability.RecordTurn(o.client.Model(), time.Since(start), rounds, false)
			return "", err
		}

		reasoning.WriteString(resp.Message.ReasoningContent)
		resp.Message.ReasoningContent = reasoning.String()
		o.sess.AddAssistantMessage(resp.Message, resp.Usage)
		if resp.Usage != nil {
			observability.RecordUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		finalContent = resp.Message.Content

		if resp.FinishReason != chat.FinishToolCalls || len(resp.Message.ToolCalls) == 0 {
			o.save(logger)
			observability.RecordTurn(o.client.Model(), time.Since(start), rounds, true)
			return finalContent, nil
		}

		if err := o.runToolCalls(ctx, resp.Message.ToolCalls); err != nil {
			if provider.IsCancellation(err) {
				o.save(logger)
				return finalContent, provider.ErrCancelled
			}
			o.sess.Rollback(checkpoint)
			return "", err
		}
	}

	o.sess.AddAssistantMessage(chat.Message{Content: roundLimitNotice}, nil)
	o.save(logger)
	observability.RecordTurn(o.client.Model(), time.Since(start), rounds, true)
	return roundLimitNotice, nil
}

// streamRound runs one provider exchange, forwarding deltas to the event
// sinks and assembling the round's assistant message. The reasoning builder
// is shared across the turn's rounds and only ever appended to here.
func (o *Orchestrator) streamRound(ctx context.Context, req provider.Request, reasoning *strings.Builder, logger zerolog.Logger) (chat.Message, *chat.Usage, chat.FinishReason, error) {
	roundStart := time.Now()
	stream, err := o.client.StreamChat(ctx, req)
	if err != nil {
		return chat.Message{}, nil, "", err
	}

	var content strings.Builder
	var calls []chat.ToolCall
	var usage *chat.Usage
	var finish chat.FinishReason

	for chunk := range stream.Chunks() {
		if chunk.ContentDelta != "" {
			content.WriteString(chunk.ContentDelta)
			if o.events.OnContent != nil {
				o.events.OnContent(chunk.ContentDelta)
			}
		}
		if chunk.ReasoningDelta != "" {
			reasoning.WriteString(chunk.ReasoningDelta)
			if o.events.OnReasoning != nil {
				o.events.OnReasoning(chunk.ReasoningDelta)
			}
		}
		if chunk.Terminal() {
			calls = chunk.ToolCalls
			finish = chunk.FinishReason
			usage = chunk.Usage
		}
	}

	msg := chat.Message{
		Role:             chat.RoleAssistant,
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        calls,
	}

	if err := stream.Err(); err != nil {
		// Partial content rides along so cancellation can keep it.
		return msg, nil, "", err
	}

	observability.RecordStream(o.client.Model(), time.Since(roundStart))
	logger.Debug().
		Int("contentChars", content.Len()).
		Int("toolCalls", len(calls)).
		Str("finish", string(finish)).
		Msg("Round finished")
	return msg, usage, finish, nil
}

// runToolCalls dispatches one round's calls strictly in order, routing
// mode-switch calls to the orchestrator itself and everything else to the
// handler. Exactly one tool message lands per call.
func (o *Orchestrator) runToolCalls(ctx context.Context, calls []chat.ToolCall) error {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.events.OnToolCall != nil {
			o.events.OnToolCall(call)
		}

		var result chat.Message
		if isPlanCall(call.Name) {
			result = o.handlePlanCall(call)
		} else {
			results, err := o.handler.HandleToolCalls(ctx, []chat.ToolCall{call})
			if err != nil {
				return err
			}
			result = results[0]
		}

		o.sess.AddToolMessage(result)
		if o.events.OnToolResult != nil {
			o.events.OnToolResult(result)
		}
	}
	return nil
}

// handlePlanCall flips the mode and rebuilds the system prompt so the very
// next round already sees the new mask and instructions.
func (o *Orchestrator) handlePlanCall(call chat.ToolCall) chat.Message {
	action := strings.TrimPrefix(call.Name, toolmask.PlanToolID+"_")
	var content string
	switch action {
	case "exit":
		o.planMode = false
		content = "Exited plan mode. Execute the plan now."
	case "enter":
		o.planMode = true
		content = "Entered plan mode. Think through the approach before making changes."
	default:
		return chat.Message{
			Role:       chat.RoleTool,
			Content:    fmt.Sprintf("Error: unknown mode-switch action %q", action),
			ToolCallID: call.ID,
		}
	}

	o.sess.SetSystemPrompt(o.systemPromptFor(o.planMode))
	o.logger.Info().Bool("planMode", o.planMode).Msg("Mode switched mid-turn")
	if o.events.OnModeChange != nil {
		o.events.OnModeChange(o.planMode)
	}
	return chat.Message{Role: chat.RoleTool, Content: content, ToolCallID: call.ID}
}

func isPlanCall(name string) bool {
	return strings.HasPrefix(name, toolmask.PlanToolID+"_")
}

// buildRequest converts a mask into the provider request for one round.
// Tool order follows the mask's sorted ids so identical turns produce
// byte-identical bodies.
func (o *Orchestrator) buildRequest(mask toolmask.Mask) provider.Request {
	req := provider.Request{
		Model:          o.client.Model(),
		Messages:       o.sess.Messages(),
		EnableThinking: o.cfg.EnableThinking,
	}

	for _, id := range mask.AllowedIDs() {
		tool, ok := o.catalog.Get(id)
		if !ok {
			continue
		}
		for _, action := range tool.Actions {
			req.Tools = append(req.Tools, provider.ToolSchema{
				Name:        tool.ID + "_" + action.Name,
				Description: action.Description,
				Parameters:  action.InputSchema(),
			})
		}
	}

	switch mask.Mechanism {
	case toolmask.MechanismToolChoice:
		if mask.RequiredToolID != "" {
			req.ToolChoice = o.requiredFunctionName(mask.RequiredToolID)
		}
	case toolmask.MechanismPromptPrefix:
		if mask.PromptPrefix != "" {
			req.Prefill = mask.PromptPrefix
		}
	}
	return req
}

// requiredFunctionName expands a forced tool id to a concrete function
// name. Plan mode forces the exit action so the only way forward is out.
func (o *Orchestrator) requiredFunctionName(toolID string) string {
	if toolID == toolmask.PlanToolID {
		return toolmask.PlanToolID + "_exit"
	}
	tool, ok := o.catalog.Get(toolID)
	if !ok || len(tool.Actions) == 0 {
		return ""
	}
	return tool.ID + "_" + tool.Actions[0].Name
}

func (o *Orchestrator) systemPromptFor(planMode bool) string {
	if !planMode {
		return o.cfg.SystemPrompt
	}
	return o.cfg.SystemPrompt + "\n\n" +
		"You are in plan mode. Research and design an approach, but do not " +
		"modify anything. When the plan is ready, call the mode-switch tool " +
		"to exit plan mode and begin executing."
}

// compactIfNeeded summarizes the history when the projected usage crosses
// the near-limit threshold. Summarization failures are logged and ignored;
// the turn proceeds with the full history.
func (o *Orchestrator) compactIfNeeded(ctx context.Context, incoming string, logger zerolog.Logger) {
	decision := o.sess.ShouldCompact(chat.EstimateTokens(incoming))
	if !decision.ShouldCompact {
		return
	}
	logger.Info().
		Bool("contextFull", decision.IsContextFull).
		Int("messages", decision.RealMessageCount).
		Msg("Compacting history")

	summary, err := o.summarize(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("History compaction failed")
		return
	}
	o.sess.CompactWith(summary)
	observability.RecordCompaction()
}

const summarizePrompt = "Summarize this conversation so it can continue in a fresh context. " +
	"Keep every fact needed to carry on: what was asked, what was decided, " +
	"what was changed, and what remains open. Reply with the summary only."

func (o *Orchestrator) summarize(ctx context.Context) (string, error) {
	messages := append(o.sess.History(), chat.Message{Role: chat.RoleUser, Content: summarizePrompt})
	resp, err := o.client.Chat(ctx, provider.Request{
		Model:    o.client.Model(),
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if resp.Message.Content == "" {
		return "", fmt.Errorf("summarization produced no content")
	}
	return "[Summary of earlier conversation]\n" + resp.Message.Content, nil
}

// injectFileContext appends attached file paths to the user message.
func injectFileContext(content string, files []string) string {
	if len(files) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nAttached files:\n")
	for _, f := range files {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return b.String()
}

// savePartial keeps whatever content a cancelled round had produced.
func (o *Orchestrator) savePartial(partial string, logger zerolog.Logger) {
	if partial != "" {
		o.sess.AddAssistantMessage(chat.Message{Content: partial}, nil)
	}
	o.save(logger)
}

func (o *Orchestrator) save(logger zerolog.Logger) {
	if o.store == nil {
		return
	}
	// The turn context may already be cancelled; saving still must happen.
	if err := o.store.Save(context.Background(), o.sess); err != nil {
		logger.Error().Err(err).Msg("Failed to persist session")
	}
}
