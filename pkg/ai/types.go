// Package ai defines the core types for LLM interactions: messages, content
// blocks, streaming events, the transport interface, and the transport error
// taxonomy. All types serialise to the journal wire format, so JSON tags are
// load-bearing.
package ai

import "encoding/json"

// ---------------------------------------------------------------------------
// Content blocks
// ---------------------------------------------------------------------------

// ContentBlock is the union of TextContent, ThinkingContent, ToolCall and
// ImageContent. blockType doubles as the wire discriminator.
type ContentBlock interface {
	blockType() string
}

type TextContent struct {
	Text string `json:"text"`
}

// ThinkingContent is model reasoning, kept separate from the answer text.
type ThinkingContent struct {
	Text string `json:"text"`
}

type ToolCall struct {
	ID        string         `json:"id"`        // unique within one assistant message
	Name      string         `json:"name"`      // tool name
	Arguments map[string]any `json:"arguments"` // parsed JSON args
}

type ImageContent struct {
	Data     string `json:"data"`     // base64
	MimeType string `json:"mimeType"` // e.g. "image/png"
}

func (TextContent) blockType() string     { return "text" }
func (ThinkingContent) blockType() string { return "thinking" }
func (ToolCall) blockType() string        { return "toolCall" }
func (ImageContent) blockType() string    { return "image" }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleToolResult  Role = "toolResult"
	RoleHookMessage Role = "hookMessage"
)

type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonToolUse   StopReason = "toolUse"
	StopReasonMaxTokens StopReason = "maxTokens"
	StopReasonAborted   StopReason = "aborted"
	StopReasonError     StopReason = "error"
)

// ThinkingLevel selects extended-reasoning effort. The runtime passes it
// through to the transport without interpreting it.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// CacheRetention selects prompt-cache lifetime. Opaque pass-through.
type CacheRetention string

const (
	CacheNone  CacheRetention = "none"
	CacheShort CacheRetention = "short"
	CacheLong  CacheRetention = "long"
)

// Attachment is a named binary payload carried on a user prompt.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
}

// UserMessage is a message from the user (human turn).
type UserMessage struct {
	Role        Role           `json:"role"`
	Content     []ContentBlock `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Timestamp   int64          `json:"timestamp"` // unix ms
}

// AssistantMessage is a response from the LLM.
type AssistantMessage struct {
	Role         Role           `json:"role"`
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stopReason"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Usage        Usage          `json:"usage"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	API          string         `json:"api"`
	Timestamp    int64          `json:"timestamp"`
}

// ToolResultMessage carries the result of exactly one tool call back to
// the LLM.
type ToolResultMessage struct {
	Role       Role           `json:"role"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Content    []ContentBlock `json:"content"`
	Details    any            `json:"details,omitempty"`
	IsError    bool           `json:"isError"`
	Timestamp  int64          `json:"timestamp"`
}

// HookMessage is produced by a hook. It is journalled and rendered but not
// sent to the model unless a hook splices it into the outbound list.
type HookMessage struct {
	Role       Role           `json:"role"`
	CustomType string         `json:"customType"`
	Content    []ContentBlock `json:"content,omitempty"`
	Details    any            `json:"details,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Message is the union type — all four message kinds implement this.
type Message interface {
	GetRole() Role
}

func (m UserMessage) GetRole() Role       { return RoleUser }
func (m AssistantMessage) GetRole() Role  { return RoleAssistant }
func (m ToolResultMessage) GetRole() Role { return RoleToolResult }
func (m HookMessage) GetRole() Role       { return RoleHookMessage }

// ---------------------------------------------------------------------------
// Usage / cost
// ---------------------------------------------------------------------------

type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

type Usage struct {
	Input       int  `json:"input"`
	Output      int  `json:"output"`
	CacheRead   int  `json:"cacheRead"`
	CacheWrite  int  `json:"cacheWrite"`
	TotalTokens int  `json:"totalTokens"`
	Cost        Cost `json:"cost"`
}

// ---------------------------------------------------------------------------
// Tool definition (schema handed to LLM)
// ---------------------------------------------------------------------------

// ToolDefinition describes a tool to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// ---------------------------------------------------------------------------
// Context passed to the transport
// ---------------------------------------------------------------------------

// Context holds the full conversation state for one LLM call.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
}

// TextOf concatenates the text blocks of an assistant message, skipping
// thinking blocks. Returns "" for nil.
func TextOf(msg *AssistantMessage) string {
	if msg == nil {
		return ""
	}
	var out string
	for _, block := range msg.Content {
		if t, ok := block.(TextContent); ok {
			out += t.Text
		}
	}
	return out
}
