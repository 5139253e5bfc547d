package ai

import "context"

// ---------------------------------------------------------------------------
// Streaming events
// ---------------------------------------------------------------------------

// StreamEventType enumerates all events a transport can emit.
type StreamEventType string

const (
	// Lifecycle
	StreamEventStart StreamEventType = "start"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"

	// Text
	StreamEventTextStart StreamEventType = "text_start"
	StreamEventTextDelta StreamEventType = "text_delta"
	StreamEventTextEnd   StreamEventType = "text_end"

	// Thinking
	StreamEventThinkingStart StreamEventType = "thinking_start"
	StreamEventThinkingDelta StreamEventType = "thinking_delta"
	StreamEventThinkingEnd   StreamEventType = "thinking_end"

	// Tool calls
	StreamEventToolCallStart StreamEventType = "toolcall_start"
	StreamEventToolCallDelta StreamEventType = "toolcall_delta"
	StreamEventToolCallEnd   StreamEventType = "toolcall_end"
)

// StreamEvent is sent over the events channel by transports.
type StreamEvent struct {
	Type    StreamEventType
	Partial *AssistantMessage // always the latest partial snapshot
	Delta   string            // incremental text / thinking / args delta
	Error   error             // set on StreamEventError
}

// ---------------------------------------------------------------------------
// Stream options
// ---------------------------------------------------------------------------

// StreamOptions carries per-call knobs. Zero values mean "transport default".
type StreamOptions struct {
	APIKey         string
	Instructions   string            // appended to the system prompt by the transport
	Headers        map[string]string // extra HTTP headers, opaque to the runtime
	MaxTokens      int
	Temperature    *float64
	ThinkingLevel  ThinkingLevel
	CacheRetention CacheRetention
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// Transport produces assistant messages for a given context. Streams are
// single-shot: callers drive them to completion or cancel ctx.
//
// Implementations must close the events channel (and not panic) even when
// ctx is cancelled, so callers can always range over it safely. Failures
// must surface explicitly, either as a StreamEventError or as a final
// message with StopReasonError; auth handling stays inside the transport
// and callers never see tokens.
type Transport interface {
	// Name returns the transport identifier, e.g. "openai", "anthropic".
	Name() string

	// Stream starts a streaming LLM call. It returns:
	//   - a channel of incremental events
	//   - a function that blocks until the stream is complete and returns the
	//     final AssistantMessage (or error)
	Stream(
		ctx context.Context,
		model string,
		llmCtx Context,
		opts StreamOptions,
	) (<-chan StreamEvent, func() (*AssistantMessage, error))

	// Complete performs a non-streaming call and returns the final message.
	// Compaction uses this.
	Complete(
		ctx context.Context,
		model string,
		llmCtx Context,
		opts StreamOptions,
	) (*AssistantMessage, error)
}
