package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

func userMsg(text string) ai.UserMessage {
	return ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

func assistantMsg(text string, usage ai.Usage) ai.AssistantMessage {
	return ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Text: text}},
		StopReason: ai.StopReasonStop,
		Usage:      usage,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func toolResultMsg(text string) ai.ToolResultMessage {
	return ai.ToolResultMessage{
		Role:       ai.RoleToolResult,
		ToolCallID: "c1",
		ToolName:   "read",
		Content:    []ai.ContentBlock{ai.TextContent{Text: text}},
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestEstimate_AnchorsOnUsageReport(t *testing.T) {
	msgs := []ai.Message{
		userMsg(strings.Repeat("a", 400)), // covered by the usage report
		assistantMsg("answer", ai.Usage{Input: 900, Output: 100, TotalTokens: 1000}),
		toolResultMsg(strings.Repeat("b", 40)), // trailing: 10 tokens
	}
	usage := EstimateContextTokens(msgs)
	if usage.UsageTokens != 1000 {
		t.Errorf("UsageTokens = %d, want 1000", usage.UsageTokens)
	}
	if usage.TrailingTokens != 10 {
		t.Errorf("TrailingTokens = %d, want 10", usage.TrailingTokens)
	}
	if usage.Tokens != 1010 {
		t.Errorf("Tokens = %d, want 1010", usage.Tokens)
	}
}

func TestEstimate_NoUsageFallsBackToChars(t *testing.T) {
	msgs := []ai.Message{
		userMsg(strings.Repeat("a", 400)),                 // 100
		assistantMsg(strings.Repeat("b", 80), ai.Usage{}), // 20
	}
	usage := EstimateContextTokens(msgs)
	if usage.Tokens != 120 {
		t.Errorf("Tokens = %d, want 120", usage.Tokens)
	}
	if usage.UsageTokens != 0 {
		t.Errorf("UsageTokens = %d, want 0", usage.UsageTokens)
	}
}

func TestEstimate_SkipsErrorAndAbortedTurns(t *testing.T) {
	failed := assistantMsg("", ai.Usage{TotalTokens: 9999})
	failed.StopReason = ai.StopReasonError
	failed.ErrorMessage = "boom"

	aborted := assistantMsg("partial", ai.Usage{TotalTokens: 8888})
	aborted.StopReason = ai.StopReasonAborted

	msgs := []ai.Message{
		assistantMsg("good", ai.Usage{TotalTokens: 100}),
		userMsg(strings.Repeat("x", 40)), // trailing: 10
		failed,
		aborted, // trailing: "partial" = 7 chars → 1
	}
	usage := EstimateContextTokens(msgs)
	if usage.UsageTokens != 100 {
		t.Errorf("UsageTokens = %d, want 100 (error/aborted turns skipped)", usage.UsageTokens)
	}
	if usage.Tokens != 111 {
		t.Errorf("Tokens = %d, want 111", usage.Tokens)
	}
}

func TestEstimate_SumsPartsWhenNoTotal(t *testing.T) {
	msgs := []ai.Message{
		assistantMsg("hi", ai.Usage{Input: 700, Output: 100, CacheRead: 50}),
	}
	usage := EstimateContextTokens(msgs)
	if usage.UsageTokens != 850 {
		t.Errorf("UsageTokens = %d, want 850", usage.UsageTokens)
	}
}

func TestEstimate_ImagesCountFlat(t *testing.T) {
	msg := ai.UserMessage{
		Role: ai.RoleUser,
		Content: []ai.ContentBlock{
			ai.ImageContent{Data: "abc", MimeType: "image/png"},
		},
		Timestamp: time.Now().UnixMilli(),
	}
	if got := estimateTokens(msg); got != 1200 {
		t.Errorf("image tokens = %d, want 1200", got)
	}

	withAttachment := userMsg("look")
	withAttachment.Attachments = []ai.Attachment{{Name: "shot.png", MimeType: "image/png", Data: "xyz"}}
	if got := estimateTokens(withAttachment); got != 1201 {
		t.Errorf("attachment tokens = %d, want 1201", got)
	}
}

func TestEstimate_ToolCallArgsCounted(t *testing.T) {
	msg := ai.AssistantMessage{
		Role: ai.RoleAssistant,
		Content: []ai.ContentBlock{
			ai.ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{"query": "x"}},
		},
		StopReason: ai.StopReasonToolUse,
	}
	// "search" (6) + `{"query":"x"}` (13) = 19 chars → 4 tokens
	if got := estimateTokens(msg); got != 4 {
		t.Errorf("tool call tokens = %d, want 4", got)
	}
}

func TestEstimate_TinyTextRoundsUpToOne(t *testing.T) {
	if got := estimateTokens(userMsg("hi")); got != 1 {
		t.Errorf("tokens = %d, want 1", got)
	}
	if got := estimateTokens(userMsg("")); got != 0 {
		t.Errorf("empty message tokens = %d, want 0", got)
	}
}

func TestEstimate_EmptyHistory(t *testing.T) {
	usage := EstimateContextTokens(nil)
	if usage.Tokens != 0 {
		t.Errorf("Tokens = %d, want 0", usage.Tokens)
	}
}
