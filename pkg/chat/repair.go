package chat

// ValidationIssue describes one ordering violation found in a message list.
type ValidationIssue struct {
	Index      int
	ToolCallID string
	Reason     string
}

// Validate checks the tool-call pairing invariant: every tool message must
// answer a tool call emitted by a preceding assistant message, and every
// emitted tool call must receive exactly one result before the next user
// message. It never mutates and never fails on malformed input.
func Validate(messages []Message) []ValidationIssue {
	var issues []ValidationIssue

	pending := make(map[string]int) // tool call id -> assistant message index
	for i, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = i
			}
		case RoleTool:
			if _, ok := pending[msg.ToolCallID]; !ok {
				issues = append(issues, ValidationIssue{
					Index:      i,
					ToolCallID: msg.ToolCallID,
					Reason:     "tool result without matching tool call",
				})
				continue
			}
			delete(pending, msg.ToolCallID)
		case RoleUser:
			for id, idx := range pending {
				issues = append(issues, ValidationIssue{
					Index:      idx,
					ToolCallID: id,
					Reason:     "tool call without result before next user message",
				})
			}
			pending = make(map[string]int)
		}
	}
	for id, idx := range pending {
		issues = append(issues, ValidationIssue{
			Index:      idx,
			ToolCallID: id,
			Reason:     "tool call without result at end of history",
		})
	}
	return issues
}

// Repair drops orphan tool-result messages and strips unanswered tool-call
// entries from assistant messages. It returns the repaired list and the
// number of messages removed. Repair is idempotent: running it on its own
// output removes nothing further.
func Repair(messages []Message) ([]Message, int) {
	// Forward pass: a result is valid only if it answers a call emitted
	// earlier and not already answered. A call is kept only if a valid
	// result answers it somewhere later.
	emitted := make(map[string]bool)
	answered := make(map[string]bool)
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				emitted[tc.ID] = true
			}
		case RoleTool:
			if emitted[msg.ToolCallID] && !answered[msg.ToolCallID] {
				answered[msg.ToolCallID] = true
			}
		}
	}

	repaired := make([]Message, 0, len(messages))
	removed := 0
	emittedSoFar := make(map[string]bool)
	consumed := make(map[string]bool)
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var kept []ToolCall
				for _, tc := range msg.ToolCalls {
					if answered[tc.ID] {
						kept = append(kept, tc)
						emittedSoFar[tc.ID] = true
					}
				}
				msg.ToolCalls = kept
			}
			repaired = append(repaired, msg)
		case RoleTool:
			// Orphans: result for a call never kept, result arriving before
			// its call, or a duplicate result for an already answered call.
			if !emittedSoFar[msg.ToolCallID] || consumed[msg.ToolCallID] {
				removed++
				continue
			}
			consumed[msg.ToolCallID] = true
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}
	return repaired, removed
}
