// Package session holds authoritative conversation state: ordered message
// history, the system-prompt slot, and running token accounting with
// checkpoint/rollback and a compaction decision.
package session

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/mirelabs/coda/pkg/chat"
)

// Limits configures the token budget for one session.
type Limits struct {
	ContextWindow      int
	ReserveRatio       float64
	NearLimitThreshold float64
	FullThreshold      float64
}

// DefaultLimits returns the default token budget.
func DefaultLimits(contextWindow int) Limits {
	return Limits{
		ContextWindow:      contextWindow,
		ReserveRatio:       0.2,
		NearLimitThreshold: 0.85,
		FullThreshold:      0.95,
	}
}

// Session is a single-writer resource: exactly one orchestrator may mutate
// it at a time, enforced upstream by the message queue.
type Session struct {
	id           string
	systemPrompt string
	messages     []chat.Message

	// Token accounting: provider-confirmed totals are authoritative;
	// messages appended after the last confirmation are estimated.
	promptTokens     int
	completionTokens int
	confirmedThrough int // count of messages covered by confirmed usage; -1 when never confirmed

	limits Limits
	logger zerolog.Logger
}

// New creates an empty session with a generated id.
func New(limits Limits, logger zerolog.Logger) *Session {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the entropy source does; fall back to a
		// timestamp-free constant-free id is not possible, so panic early.
		panic(err)
	}
	return &Session{
		id:               "sess_" + id,
		confirmedThrough: -1,
		limits:           limits,
		logger:           logger.With().Str("component", "session").Logger(),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// SetSystemPrompt upserts the single system-role slot; empty text removes it.
func (s *Session) SetSystemPrompt(text string) {
	s.systemPrompt = text
}

// SystemPrompt returns the current system prompt, empty when unset.
func (s *Session) SystemPrompt() string {
	return s.systemPrompt
}

// AddUserMessage appends a user turn.
func (s *Session) AddUserMessage(content string) {
	s.messages = append(s.messages, chat.Message{Role: chat.RoleUser, Content: content})
}

// AddAssistantMessage appends an assistant turn. Provider-reported usage,
// when supplied, becomes the new authoritative basis for token accounting.
func (s *Session) AddAssistantMessage(msg chat.Message, usage *chat.Usage) {
	msg.Role = chat.RoleAssistant
	s.messages = append(s.messages, msg)
	if usage != nil {
		s.promptTokens = usage.PromptTokens
		s.completionTokens = usage.CompletionTokens
		s.confirmedThrough = len(s.messages)
	}
}

// AddToolMessage appends a tool-result turn.
func (s *Session) AddToolMessage(msg chat.Message) {
	msg.Role = chat.RoleTool
	s.messages = append(s.messages, msg)
}

// Messages returns the full ordered message list including the system slot.
func (s *Session) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(s.messages)+1)
	if s.systemPrompt != "" {
		out = append(out, chat.Message{Role: chat.RoleSystem, Content: s.systemPrompt})
	}
	return append(out, s.messages...)
}

// History returns the non-system messages in order.
func (s *Session) History() []chat.Message {
	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RealMessageCount returns the number of non-system messages.
func (s *Session) RealMessageCount() int {
	return len(s.messages)
}

// UsedTokens returns confirmed provider usage plus estimates for anything
// appended since the last confirmation. With no confirmation ever, the sum
// of estimates over all messages (system slot included).
func (s *Session) UsedTokens() int {
	if s.confirmedThrough < 0 {
		total := chat.EstimateTokens(s.systemPrompt)
		for _, msg := range s.messages {
			total += chat.EstimateMessageTokens(msg)
		}
		return total
	}
	total := s.promptTokens + s.completionTokens
	for _, msg := range s.messages[s.confirmedThrough:] {
		total += chat.EstimateMessageTokens(msg)
	}
	return total
}

// AvailableTokens returns the remaining budget after the reserve. The value
// may be negative; display call sites clamp.
func (s *Session) AvailableTokens() int {
	budget := float64(s.limits.ContextWindow) * (1 - s.limits.ReserveRatio)
	return int(budget) - s.UsedTokens()
}

// CompactDecision is the outcome of ShouldCompact.
type CompactDecision struct {
	ShouldCompact    bool
	IsContextFull    bool
	RealMessageCount int
}

// ShouldCompact decides whether history should be summarized before an
// incoming message of the estimated size is sent. A conversation of at most
// one real message has nothing to summarize.
func (s *Session) ShouldCompact(estimatedIncomingTokens int) CompactDecision {
	decision := CompactDecision{RealMessageCount: len(s.messages)}
	if len(s.messages) <= 1 {
		return decision
	}

	window := float64(s.limits.ContextWindow)
	projected := float64(s.UsedTokens() + estimatedIncomingTokens)
	decision.ShouldCompact = projected/window >= s.limits.NearLimitThreshold
	decision.IsContextFull = projected/window >= s.limits.FullThreshold
	return decision
}

// CompactWith replaces the whole history with a single synthetic assistant
// message wrapping the summary. The system prompt is kept; token accounting
// resets to an estimate of the summary alone.
func (s *Session) CompactWith(summary string) {
	msg := chat.Message{Role: chat.RoleAssistant, Content: summary}
	s.messages = []chat.Message{msg}
	s.promptTokens = 0
	s.completionTokens = 0
	s.confirmedThrough = -1
	s.logger.Info().Int("estimatedTokens", chat.EstimateMessageTokens(msg)).Msg("History compacted")
}

// Checkpoint is an opaque snapshot sufficient to restore the session
// exactly as it was when taken.
type Checkpoint struct {
	systemPrompt     string
	messages         []chat.Message
	promptTokens     int
	completionTokens int
	confirmedThrough int
}

// Checkpoint snapshots messages, system prompt, and token counters.
func (s *Session) Checkpoint() Checkpoint {
	return Checkpoint{
		systemPrompt:     s.systemPrompt,
		messages:         copyMessages(s.messages),
		promptTokens:     s.promptTokens,
		completionTokens: s.completionTokens,
		confirmedThrough: s.confirmedThrough,
	}
}

// Rollback restores the session to the checkpointed state, discarding every
// mutation performed after the checkpoint was taken.
func (s *Session) Rollback(cp Checkpoint) {
	s.systemPrompt = cp.systemPrompt
	s.messages = copyMessages(cp.messages)
	s.promptTokens = cp.promptTokens
	s.completionTokens = cp.completionTokens
	s.confirmedThrough = cp.confirmedThrough
}

// ValidateMessages reports tool-call pairing violations without mutating.
func (s *Session) ValidateMessages() []chat.ValidationIssue {
	return chat.Validate(s.messages)
}

// RepairMessages drops orphan tool results and strips unanswered tool
// calls, returning the number of messages removed. Idempotent.
func (s *Session) RepairMessages() int {
	repaired, removed := chat.Repair(s.messages)
	s.messages = repaired
	if removed > 0 {
		s.logger.Warn().Int("removed", removed).Msg("Repaired inconsistent message history")
		// Confirmed usage may cover removed messages; fall back to estimates.
		s.confirmedThrough = -1
		s.promptTokens = 0
		s.completionTokens = 0
	}
	return removed
}

// Status summarizes the session for display and tests.
type Status struct {
	ID              string
	MessageCount    int
	UsedTokens      int
	AvailableTokens int
	SystemPrompt    bool
}

// Status returns a snapshot of the session's accounting state.
func (s *Session) Status() Status {
	return Status{
		ID:              s.id,
		MessageCount:    len(s.messages),
		UsedTokens:      s.UsedTokens(),
		AvailableTokens: s.AvailableTokens(),
		SystemPrompt:    s.systemPrompt != "",
	}
}

func copyMessages(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			calls := make([]chat.ToolCall, len(out[i].ToolCalls))
			copy(calls, out[i].ToolCalls)
			out[i].ToolCalls = calls
		}
	}
	return out
}
