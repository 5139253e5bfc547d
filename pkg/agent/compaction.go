// Package agent — context compaction.
//
// Compaction asks the model to fold the whole conversation into a structured
// checkpoint, then replaces the context with a single seed user message
// carrying that summary plus the sets of files read and modified so far.
// The seed is journalled like any message and the state lands in the session
// metadata, so a resumed session can iterate an "update the previous summary"
// variant instead of starting over.
//
// Three triggers share the pipeline: an explicit Compact call, the token
// threshold checked before each model call, and the optional retry after a
// context-overflow error.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// CompactionConfig controls when compaction runs.
type CompactionConfig struct {
	// Enabled turns threshold compaction on. Explicit Compact calls work
	// regardless.
	Enabled bool

	// ContextWindow is the model's maximum context size in tokens. Required
	// for the threshold and for silent-overflow detection.
	ContextWindow int

	// ReserveTokens is the free-token buffer to maintain; compaction
	// triggers when estimated usage exceeds ContextWindow - ReserveTokens.
	// Default: 16384.
	ReserveTokens int

	// RetryOnOverflow compacts and retries once when the model call fails
	// with a context-overflow error. Default off: the error surfaces.
	RetryOnOverflow bool
}

func (c CompactionConfig) reserveTokens() int {
	if c.ReserveTokens > 0 {
		return c.ReserveTokens
	}
	return 16384
}

// ShouldCompact reports whether estimated usage has crossed the threshold.
func ShouldCompact(contextTokens int, cfg CompactionConfig) bool {
	if !cfg.Enabled || cfg.ContextWindow <= 0 {
		return false
	}
	return contextTokens > cfg.ContextWindow-cfg.reserveTokens()
}

// ErrCompactionCancelled is returned when a BeforeCompact consultation
// vetoes the run.
var ErrCompactionCancelled = errors.New("agent: compaction cancelled")

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

// Compact summarises the conversation now, regardless of the threshold.
// instructions are appended to the summarisation prompt.
func (a *Agent) Compact(ctx context.Context, instructions string, cfg Config) error {
	if a.IsStreaming() {
		return fmt.Errorf("agent: cannot compact while a prompt is running")
	}
	return a.compact(ctx, cfg, instructions, CompactExplicit)
}

// maybeCompact runs threshold compaction before a model call. Failures and
// hook cancellations only log; the turn proceeds with the oversized context
// and the transport's overflow handling takes it from there.
func (a *Agent) maybeCompact(ctx context.Context, cfg Config) {
	a.mu.RLock()
	c := a.compaction
	a.mu.RUnlock()
	if !ShouldCompact(a.ContextTokens(), c) {
		return
	}
	if err := a.compact(ctx, cfg, "", CompactThreshold); err != nil {
		a.logger.Warn("threshold compaction skipped", "error", err)
	}
}

// retryAfterOverflow reports whether a failed turn should re-enter the loop
// after compacting. False means the original transport error surfaces.
func (a *Agent) retryAfterOverflow(ctx context.Context, cfg Config, assistant *ai.AssistantMessage) bool {
	a.mu.RLock()
	c := a.compaction
	a.mu.RUnlock()
	if !c.RetryOnOverflow || ctx.Err() != nil {
		return false
	}
	if !ai.IsContextOverflow(assistant, c.ContextWindow) {
		return false
	}
	if err := a.compact(ctx, cfg, "", CompactOverflow); err != nil {
		a.logger.Warn("overflow compaction failed", "error", err)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func (a *Agent) compact(ctx context.Context, cfg Config, instructions string, reason CompactReason) error {
	if cfg.BeforeCompact != nil {
		dec := cfg.BeforeCompact(instructions)
		if dec.Cancel {
			return ErrCompactionCancelled
		}
		if dec.Instructions != "" {
			instructions = dec.Instructions
		}
	}

	a.mu.RLock()
	transport := a.transport
	model := a.model
	opts := a.streamOpts
	history := make([]ai.Message, len(a.messages))
	copy(history, a.messages)
	prev := a.compState
	a.mu.RUnlock()

	conversation := FilterForLLM(history)
	if len(conversation) == 0 {
		return fmt.Errorf("agent: nothing to compact")
	}
	tokensBefore := EstimateContextTokens(history).Tokens

	prevSummary := ""
	if prev != nil {
		prevSummary = prev.LastSummary
	}
	request := ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Text: summaryRequestText(prevSummary, instructions)}},
		Timestamp: session.Now(),
	}

	summaryOpts := opts
	summaryOpts.MaxTokens = 8192
	summaryOpts.ThinkingLevel = ai.ThinkingOff

	result, err := transport.Complete(ctx, model, ai.Context{
		SystemPrompt: summarySystemPrompt,
		Messages:     append(conversation, request),
	}, summaryOpts)
	if err != nil {
		return fmt.Errorf("agent: compaction: %w", err)
	}
	if result.StopReason == ai.StopReasonError {
		return fmt.Errorf("agent: compaction: %s", result.ErrorMessage)
	}
	summary := ai.TextOf(result)
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("agent: compaction produced an empty summary")
	}

	readFiles, modifiedFiles := extractFileOps(history, prev)
	state := session.CompactionState{
		LastSummary:   summary,
		ReadFiles:     readFiles,
		ModifiedFiles: modifiedFiles,
	}

	seed := ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Text: seedText(summary, readFiles, modifiedFiles)}},
		Timestamp: session.Now(),
	}

	a.mu.Lock()
	a.messages = []ai.Message{seed}
	a.compState = &state
	journal := a.journal
	a.mu.Unlock()

	if journal != nil {
		if err := journal.AppendMessage(seed); err != nil && !errors.Is(err, session.ErrNoSession) {
			a.logger.Warn("journal append failed", "error", err)
		}
		if err := journal.UpdateCompactionState(&state); err != nil && !errors.Is(err, session.ErrNoSession) {
			a.logger.Warn("compaction state persist failed", "error", err)
		}
	}

	a.broadcast(Event{Type: EventMessageStart, Message: seed})
	a.broadcast(Event{Type: EventMessageEnd, Message: seed})
	a.broadcast(Event{Type: EventCompaction, Compaction: &CompactionInfo{
		State:        state,
		TokensBefore: tokensBefore,
		TokensAfter:  EstimateContextTokens([]ai.Message{seed}).Tokens,
		Reason:       reason,
	}})
	if cfg.OnCompact != nil {
		cfg.OnCompact(state)
	}
	return nil
}

// ---------------------------------------------------------------------------
// File-operation extraction
// ---------------------------------------------------------------------------

// extractFileOps scans every assistant tool call named read, write or edit
// for a "path" argument. Modified = write ∪ edit; read-only = read − modified.
// prev state folds in so iterated compactions accumulate.
func extractFileOps(msgs []ai.Message, prev *session.CompactionState) (readFiles, modifiedFiles []string) {
	reads := map[string]struct{}{}
	mods := map[string]struct{}{}
	if prev != nil {
		for _, p := range prev.ReadFiles {
			reads[p] = struct{}{}
		}
		for _, p := range prev.ModifiedFiles {
			mods[p] = struct{}{}
		}
	}

	for _, m := range msgs {
		am, ok := m.(ai.AssistantMessage)
		if !ok {
			continue
		}
		for _, b := range am.Content {
			tc, ok := b.(ai.ToolCall)
			if !ok {
				continue
			}
			path, _ := tc.Arguments["path"].(string)
			if path == "" {
				continue
			}
			switch tc.Name {
			case "read":
				reads[path] = struct{}{}
			case "write", "edit":
				mods[path] = struct{}{}
			}
		}
	}

	for p := range mods {
		delete(reads, p)
		modifiedFiles = append(modifiedFiles, p)
	}
	for p := range reads {
		readFiles = append(readFiles, p)
	}
	sort.Strings(readFiles)
	sort.Strings(modifiedFiles)
	return readFiles, modifiedFiles
}

// ---------------------------------------------------------------------------
// Prompt and seed templates
// ---------------------------------------------------------------------------

const summarySystemPrompt = `You are an expert at summarising technical conversations.
Create concise, structured summaries that allow another AI to continue the work seamlessly.
Focus on facts, decisions, and current state — not the conversational flow.`

const summaryPrompt = `The messages above are a conversation to summarise. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Constraints & Preferences
- [Any constraints, preferences, or requirements mentioned by the user]
- [Or "(none)" if none were mentioned]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

### Blocked
- [Issues preventing progress, or "(none)"]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue]
- [Or "(none)" if not applicable]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const updateSummaryPrompt = `The messages above are NEW conversation messages to incorporate into the existing summary provided in <previous-summary> tags.

Update the existing structured summary with new information:
- PRESERVE all existing information unless it is now incorrect
- ADD new progress, decisions, and context from the new messages
- UPDATE Progress: move In Progress items to Done when completed
- UPDATE Next Steps based on what was accomplished

<previous-summary>
%s
</previous-summary>

Use the same EXACT format as the previous summary (Goal / Constraints / Progress / Key Decisions / Next Steps / Critical Context).
Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

func summaryRequestText(prevSummary, instructions string) string {
	var sb strings.Builder
	if prevSummary != "" {
		fmt.Fprintf(&sb, updateSummaryPrompt, prevSummary)
	} else {
		sb.WriteString(summaryPrompt)
	}
	if instructions != "" {
		sb.WriteString("\n\nAdditional instructions from the user:\n")
		sb.WriteString(instructions)
	}
	return sb.String()
}

// seedText renders the seed user message. Both file sections are always
// present so downstream parsers never branch on their absence.
func seedText(summary string, readFiles, modifiedFiles []string) string {
	var sb strings.Builder
	sb.WriteString(seedPrefix)
	sb.WriteString(" into the following summary:\n<summary>\n")
	sb.WriteString(summary)
	sb.WriteString("\n\n<read-files>\n")
	for _, p := range readFiles {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	sb.WriteString("</read-files>\n\n<modified-files>\n")
	for _, p := range modifiedFiles {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	sb.WriteString("</modified-files>\n</summary>")
	return sb.String()
}
