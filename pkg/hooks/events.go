// Package hooks dispatches runtime lifecycle events to user-authored
// extensions. A hook subscribes to any subset of the event kinds below and
// may additionally register tools, slash commands, and message renderers.
//
// Hooks come in two flavours: in-process Hook values registered directly on
// a Runner, and subprocess hooks discovered from a directory of hook.yaml
// manifests and driven over a JSON-lines stdio protocol (see subprocess.go).
package hooks

import (
	"fmt"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	// Notifications — no reply, handlers run for side effects.
	KindAppStart        Kind = "app.start"
	KindSessionStart    Kind = "session.start"
	KindSessionResume   Kind = "session.resume"
	KindSessionClear    Kind = "session.clear"
	KindSessionShutdown Kind = "session.shutdown"
	KindSessionCompact  Kind = "session.compact"
	KindAgentStart      Kind = "agent.start"
	KindAgentEnd        Kind = "agent.end"
	KindTurnStart       Kind = "turn.start"
	KindTurnEnd         Kind = "turn.end"

	// Mutations — last writer wins on the record each handler receives.
	KindChatSystemTransform Kind = "chat.system.transform"
	KindChatParams          Kind = "chat.params"
	KindAuthGet             Kind = "auth.get"
	KindModelResolve        Kind = "model.resolve"
	KindChatMessage         Kind = "chat.message"

	// Pipeline mutation — each handler's output feeds the next.
	KindChatMessagesTransform Kind = "chat.messages.transform"

	// Gatekeeping and post-mutation around tool execution.
	KindToolExecuteBefore Kind = "tool.execute.before"
	KindToolExecuteAfter  Kind = "tool.execute.after"

	// First handler returning a message wins; later handlers still run.
	KindAgentBeforeStart Kind = "agent.before_start"

	// Cancelable — handlers may cancel the pending compaction.
	KindSessionBeforeCompact Kind = "session.before_compact"
)

// allKinds is the complete event vocabulary, used to validate manifests.
var allKinds = map[Kind]bool{
	KindAppStart:              true,
	KindSessionStart:          true,
	KindSessionResume:         true,
	KindSessionClear:          true,
	KindSessionShutdown:       true,
	KindSessionCompact:        true,
	KindAgentStart:            true,
	KindAgentEnd:              true,
	KindTurnStart:             true,
	KindTurnEnd:               true,
	KindChatSystemTransform:   true,
	KindChatParams:            true,
	KindAuthGet:               true,
	KindModelResolve:          true,
	KindChatMessage:           true,
	KindChatMessagesTransform: true,
	KindToolExecuteBefore:     true,
	KindToolExecuteAfter:      true,
	KindAgentBeforeStart:      true,
	KindSessionBeforeCompact:  true,
}

// ValidKind reports whether s names a known event kind.
func ValidKind(s string) bool { return allKinds[Kind(s)] }

// ---------------------------------------------------------------------------
// Event payload and result records
// ---------------------------------------------------------------------------

// ModelChoice is the chat.params / model.resolve record: handlers mutate it
// and later handlers observe earlier writes.
type ModelChoice struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// MessageDraft is the chat.message record. The runtime prefills Parts from
// the prompt text and image attachments; handlers may rewrite them.
type MessageDraft struct {
	Text        string            `json:"text"`
	Attachments []ai.Attachment   `json:"attachments,omitempty"`
	Parts       []ai.ContentBlock `json:"-"`
}

// ToolExecuteEvent identifies one tool call for the before/after hooks.
type ToolExecuteEvent struct {
	ToolName string         `json:"tool"`
	CallID   string         `json:"callId"`
	Args     map[string]any `json:"args"`
}

// GateResult is a tool.execute.before reply. The first handler that blocks
// wins immediately; otherwise the last non-nil ReplaceArgs wins.
type GateResult struct {
	Block       bool           `json:"block,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ReplaceArgs map[string]any `json:"input,omitempty"`
}

// ResultPatch is a tool.execute.after reply, merged field-by-field into the
// tool result. Later handlers see prior merges.
type ResultPatch struct {
	Content []ai.ContentBlock `json:"-"`
	Details any               `json:"details,omitempty"`
	IsError *bool             `json:"isError,omitempty"`
}

// BeforeStartResult is an agent.before_start reply. The first handler that
// returns a non-nil message wins; the message is journalled and broadcast
// but not sent to the model.
type BeforeStartResult struct {
	Message *ai.HookMessage `json:"message,omitempty"`
}

// CompactRequest is the session.before_compact record. Cancel is sticky:
// once any handler sets it the compaction is abandoned. Instructions are
// last-writer-wins and are appended to the summarisation prompt.
type CompactRequest struct {
	Cancel       bool   `json:"cancel,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// CompactInfo accompanies session.compact after a compaction lands.
type CompactInfo struct {
	State session.CompactionState `json:"state"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// HookError is one captured handler failure, published on Runner.Errors.
type HookError struct {
	Hook  string
	Event Kind
	Err   error
}

func (e HookError) Error() string {
	return fmt.Sprintf("hook %s: %s: %v", e.Hook, e.Event, e.Err)
}

func (e HookError) Unwrap() error { return e.Err }
