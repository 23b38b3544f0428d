package quay

// NormalizeMessages rewrites a conversation so that every assistant message
// containing tool_use blocks is immediately followed by a user message whose
// content is exactly the matching tool_result blocks, in tool_use id order.
// Some providers reject any other interleaving, so this runs on every
// outgoing request.
//
// Rules applied:
//   - tool_result blocks are pulled out of whatever message they arrived in
//     and re-attached directly after their tool_use.
//   - plain user text never interleaves between a tool_use and its results;
//     it is kept after the result message.
//   - orphan tool_results (no matching tool_use anywhere) are appended at the
//     end as a single user message, preserving their relative order.
//   - tool_uses with no result get a synthesized error result so the pairing
//     stays total.
//
// The input is not mutated.
func NormalizeMessages(messages []Message) []Message {
	// Index every tool_result by its tool_use id, in encounter order.
	results := make(map[string][]ContentBlock)
	var orphanOrder []string
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == BlockToolResult {
				if _, seen := results[b.ToolUseID]; !seen {
					orphanOrder = append(orphanOrder, b.ToolUseID)
				}
				results[b.ToolUseID] = append(results[b.ToolUseID], b)
			}
		}
	}

	claimed := make(map[string]bool)
	var out []Message
	for _, m := range messages {
		// Strip tool_result blocks; they are re-attached next to their use.
		var rest []ContentBlock
		for _, b := range m.Content {
			if b.Type != BlockToolResult {
				rest = append(rest, b)
			}
		}
		if len(rest) == 0 {
			continue
		}
		msg := Message{Role: m.Role, Content: rest}
		out = append(out, msg)

		if m.Role != RoleAssistant {
			continue
		}
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}
		// Attach results in tool_use id order, synthesizing for gaps.
		var attached []ContentBlock
		for _, use := range uses {
			if rs, ok := results[use.ID]; ok {
				attached = append(attached, rs...)
				claimed[use.ID] = true
			} else {
				attached = append(attached, ToolResultBlock(use.ID, "error: tool result missing", true))
			}
		}
		out = append(out, ToolResultMessage(attached...))
	}

	// Orphans: results whose tool_use never appeared.
	var orphans []ContentBlock
	for _, id := range orphanOrder {
		if !claimed[id] {
			orphans = append(orphans, results[id]...)
		}
	}
	if len(orphans) > 0 {
		out = append(out, ToolResultMessage(orphans...))
	}
	return out
}

// ValidateConversation checks the persisted-conversation invariant: every
// tool_result references a tool_use that appeared earlier in the same
// conversation. Returns an InvariantError naming the first offender.
func ValidateConversation(messages []Message) error {
	seen := make(map[string]bool)
	for _, m := range messages {
		for _, b := range m.Content {
			switch b.Type {
			case BlockToolUse:
				if seen[b.ID] {
					return Invariantf("duplicate tool_use id %q", b.ID)
				}
				seen[b.ID] = true
			case BlockToolResult:
				if !seen[b.ToolUseID] {
					return Invariantf("tool_result %q has no preceding tool_use", b.ToolUseID)
				}
			}
		}
	}
	return nil
}
