// Package agent — context token estimation.
package agent

import (
	"encoding/json"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// ContextUsage is a snapshot of estimated context size.
type ContextUsage struct {
	// Tokens is the estimated total for the current context.
	Tokens int
	// UsageTokens came from the last assistant message's usage report.
	UsageTokens int
	// TrailingTokens estimates everything appended after that report.
	TrailingTokens int
}

// EstimateContextTokens estimates the context size of a message history.
// The last assistant message with a usage report anchors the count exactly;
// messages after it (tool results, steering, the next prompt) are estimated
// at chars/4. Compaction thresholds run on this value.
func EstimateContextTokens(msgs []ai.Message) ContextUsage {
	lastUsageIdx := -1
	var lastUsage ai.Usage
	for i := len(msgs) - 1; i >= 0; i-- {
		am, ok := msgs[i].(ai.AssistantMessage)
		if !ok {
			continue
		}
		if am.StopReason == ai.StopReasonError || am.StopReason == ai.StopReasonAborted {
			continue
		}
		if am.Usage.TotalTokens > 0 || am.Usage.Input > 0 {
			lastUsageIdx = i
			lastUsage = am.Usage
			break
		}
	}

	if lastUsageIdx == -1 {
		total := 0
		for _, m := range msgs {
			total += estimateTokens(m)
		}
		return ContextUsage{Tokens: total, TrailingTokens: total}
	}

	usageTokens := lastUsage.TotalTokens
	if usageTokens == 0 {
		usageTokens = lastUsage.Input + lastUsage.Output + lastUsage.CacheRead + lastUsage.CacheWrite
	}

	trailing := 0
	for _, m := range msgs[lastUsageIdx+1:] {
		trailing += estimateTokens(m)
	}

	return ContextUsage{
		Tokens:         usageTokens + trailing,
		UsageTokens:    usageTokens,
		TrailingTokens: trailing,
	}
}

// estimateTokens estimates one message at chars/4, deliberately rounding up
// so thresholds fire early rather than late. Images count ~1200 tokens.
func estimateTokens(m ai.Message) int {
	chars := 0
	switch msg := ai.DerefMessage(m).(type) {
	case ai.UserMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ImageContent:
				chars += 4 * 1200
			}
		}
		chars += 4 * 1200 * len(msg.Attachments)
	case ai.AssistantMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ThinkingContent:
				chars += len(blk.Text)
			case ai.ToolCall:
				chars += len(blk.Name)
				if j, err := json.Marshal(blk.Arguments); err == nil {
					chars += len(j)
				}
			}
		}
	case ai.ToolResultMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ImageContent:
				chars += 4 * 1200
			}
		}
	case ai.HookMessage:
		for _, b := range msg.Content {
			if t, ok := b.(ai.TextContent); ok {
				chars += len(t.Text)
			}
		}
	}
	if chars == 0 {
		return 0
	}
	t := chars / 4
	if t == 0 {
		t = 1
	}
	return t
}
