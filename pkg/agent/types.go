// Package agent implements the turn state machine: stream an assistant
// response, execute its tool calls, splice queued user input, repeat until
// the model stops. Everything the loop does is observable through Events.
package agent

import (
	"sync"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType identifies an agent lifecycle event.
type EventType string

const (
	// Lifecycle
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	// Turn = one assistant response + any resulting tool calls/results
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// Message lifecycle
	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	// Tool execution
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"

	// Compaction replaced the context with a summary seed.
	EventCompaction EventType = "compaction"

	// Turn limit reached — loop stopped before the model finished naturally.
	EventTurnLimitReached EventType = "turn_limit_reached"
)

// CompactReason says what triggered a compaction.
type CompactReason string

const (
	CompactExplicit  CompactReason = "explicit"
	CompactThreshold CompactReason = "threshold"
	CompactOverflow  CompactReason = "overflow"
)

// CompactionInfo describes a completed compaction.
type CompactionInfo struct {
	State        session.CompactionState
	TokensBefore int
	TokensAfter  int
	Reason       CompactReason
}

// Event carries one lifecycle notification from the agent loop.
//
// Tool execution events may be broadcast from concurrent goroutines while a
// turn's tool calls run in parallel; events for a single call are always
// ordered (start, updates, end). All other events come from the loop
// goroutine.
type Event struct {
	Type EventType

	// Set for message_start / message_update / message_end and turn_end.
	Message ai.Message

	// Set for message_update: the incremental text/thinking/args chunk.
	Delta string

	// Set for tool_execution_* events.
	ToolCallID    string
	ToolName      string
	ToolArgs      map[string]any
	PartialResult *tools.Result // tool_execution_update
	Result        *tools.Result // tool_execution_end
	IsError       bool          // tool_execution_end

	// Set for turn_end.
	ToolResults []ai.ToolResultMessage
	Usage       ContextUsage

	// Set for agent_end: every message this run appended to the context.
	Messages []ai.Message

	// Set for compaction events.
	Compaction *CompactionInfo
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// Subscriber receives agent events. HandleEvent is called synchronously; a
// slow subscriber stalls the loop, so hand off to a channel for heavy work.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(e Event) { f(e) }

// Subscription is a handle for one registered subscriber. Close is
// idempotent and safe from any goroutine.
type Subscription struct {
	once   sync.Once
	remove func()
}

func (s *Subscription) Close() { s.once.Do(s.remove) }

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// GateDecision is the outcome of a BeforeToolExecute check.
type GateDecision struct {
	// Blocked skips execution; the model sees an isError result with Reason.
	Blocked bool
	Reason  string
	// Args, when non-nil, replaces the call arguments before validation.
	Args map[string]any
}

// CompactDecision is the reply from a BeforeCompact consultation. Cancel
// abandons the compaction; Instructions are appended to the summarisation
// prompt.
type CompactDecision struct {
	Cancel       bool
	Instructions string
}

// Config binds one loop run to its surroundings. Every field is optional;
// the orchestrator fills them from hook-runner emissions, tests fill the few
// they exercise, and a bare Config gives a self-contained loop.
type Config struct {
	// TransformSystemPrompt rewrites the system prompt for this call.
	TransformSystemPrompt func(prompt string) string

	// AdjustParams mutates the per-call stream options (max tokens,
	// temperature, thinking level) before the transport sees them.
	AdjustParams func(opts *ai.StreamOptions)

	// GetAPIKey resolves a key for the named transport (dynamic/expiring
	// credentials). Empty result keeps the configured key.
	GetAPIKey func(transport string) (string, error)

	// ConvertToLLM filters the context to the messages the model receives.
	// Default: keep user/assistant/toolResult, drop hook messages.
	ConvertToLLM func(msgs []ai.Message) []ai.Message

	// TransformMessages rewrites the post-filter outbound list. It receives
	// exactly what the model would otherwise get.
	TransformMessages func(msgs []ai.Message) []ai.Message

	// GetSteeringMessages returns user interruptions to splice in as soon as
	// the current turn ends, ahead of any tool-result continuation.
	GetSteeringMessages func() []ai.Message

	// GetFollowUpMessages returns messages to process once the loop would
	// otherwise stop.
	GetFollowUpMessages func() []ai.Message

	// BeforeToolExecute gates one tool call. An error fails closed: the call
	// is blocked and the turn continues.
	BeforeToolExecute func(toolName, callID string, args map[string]any) (GateDecision, error)

	// AfterToolExecute mutates a tool result in place after execution.
	AfterToolExecute func(toolName, callID string, args map[string]any, res *tools.Result)

	// BeforeCompact is consulted before any compaction runs, with the
	// instructions gathered so far.
	BeforeCompact func(instructions string) CompactDecision

	// OnCompact observes the persisted state after a compaction lands.
	OnCompact func(state session.CompactionState)

	// NotifyTurnStart/NotifyTurnEnd bracket each turn.
	NotifyTurnStart func()
	NotifyTurnEnd   func()

	// MaxTurns caps the number of assistant turns per run. 0 = unlimited.
	// Hitting the cap broadcasts turn_limit_reached and stops cleanly.
	MaxTurns int
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is a read-only snapshot of the agent.
type State struct {
	SystemPrompt  string
	Model         string
	Transport     string
	Messages      []ai.Message
	IsStreaming   bool
	ContextTokens int
}
