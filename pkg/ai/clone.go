package ai

// Deep clones for the hook pipeline: chat.messages.transform handlers get a
// mutable copy of the outbound list, so handler edits can never reach the
// journal or the agent's history by aliasing.

// CloneMessages deep-clones a message list. Details payloads are cloned via
// the JSON codec only when they are maps/slices; scalar details are shared
// (they are immutable by convention).
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

// CloneMessage deep-clones one message, normalising pointers to values.
func CloneMessage(msg Message) Message {
	switch m := DerefMessage(msg).(type) {
	case UserMessage:
		m.Content = cloneBlocks(m.Content)
		m.Attachments = append([]Attachment(nil), m.Attachments...)
		return m
	case AssistantMessage:
		m.Content = cloneBlocks(m.Content)
		return m
	case ToolResultMessage:
		m.Content = cloneBlocks(m.Content)
		m.Details = cloneValue(m.Details)
		return m
	case HookMessage:
		m.Content = cloneBlocks(m.Content)
		m.Details = cloneValue(m.Details)
		return m
	default:
		return msg
	}
}

func cloneBlocks(blocks []ContentBlock) []ContentBlock {
	if blocks == nil {
		return nil
	}
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		switch blk := b.(type) {
		case ToolCall:
			blk.Arguments = cloneMap(blk.Arguments)
			out[i] = blk
		default:
			// Text, thinking and image blocks are value types with no
			// reference fields.
			out[i] = b
		}
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
