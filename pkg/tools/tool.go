// Package tools defines the Tool interface the agent loop dispatches to,
// the registry that holds tools, and JSON-Schema validation of tool-call
// arguments.
package tools

import (
	"context"
	"encoding/json"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// ---------------------------------------------------------------------------
// Tool interface
// ---------------------------------------------------------------------------

// Result is the output of a tool execution.
type Result struct {
	// Content is sent back to the LLM (text or images).
	Content []ai.ContentBlock
	// Details is arbitrary structured data for UIs/logging (not sent to LLM).
	Details any
	// IsError marks the result as a failure the model should see.
	IsError bool
}

// Tool is implemented by everything the agent can dispatch to. Register it
// with a Registry; the agent loop calls Execute automatically.
type Tool interface {
	// Definition returns the schema handed to the LLM.
	Definition() ai.ToolDefinition

	// Execute runs the tool. ctx carries the turn's cancel signal. updates
	// receives streaming partial results; the channel is owned and closed by
	// the caller after Execute returns, so implementations may only send on
	// it while Execute is running. updates is never nil.
	Execute(ctx context.Context, callID string, args map[string]any, updates chan<- Result) (Result, error)
}

// ---------------------------------------------------------------------------
// Result constructors
// ---------------------------------------------------------------------------

// TextResult wraps plain text as a Result.
func TextResult(text string) Result {
	return Result{Content: []ai.ContentBlock{ai.TextContent{Text: text}}}
}

// ErrorResult wraps an error as a Result the model can read.
func ErrorResult(err error) Result {
	r := TextResult("error: " + err.Error())
	r.IsError = true
	return r
}

// ---------------------------------------------------------------------------
// Schema helpers
// ---------------------------------------------------------------------------

// SimpleSchema builds a JSON Schema object inline, for tools whose parameters
// are a flat property set.
type SimpleSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// MustSchema returns the JSON Schema bytes for s. Panics on marshal failure,
// which can only happen with a broken Property value.
func MustSchema(s SimpleSchema) json.RawMessage {
	obj := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		obj["required"] = s.Required
	}
	b, err := json.Marshal(obj)
	if err != nil {
		panic("tools.MustSchema: " + err.Error())
	}
	return b
}

// Func adapts a plain function into a Tool. Used for hook-registered tools
// and tests.
type Func struct {
	Def ai.ToolDefinition
	Fn  func(ctx context.Context, callID string, args map[string]any, updates chan<- Result) (Result, error)
}

func (f Func) Definition() ai.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, callID string, args map[string]any, updates chan<- Result) (Result, error) {
	return f.Fn(ctx, callID, args, updates)
}
