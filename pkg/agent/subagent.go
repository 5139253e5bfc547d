package agent

import (
	"context"
	"fmt"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// SubAgentOptions configures a delegated worker agent.
type SubAgentOptions struct {
	Transport    ai.Transport
	Model        string
	SystemPrompt string

	// Tools available to the sub-agent. Nil = none.
	Tools *tools.Registry

	StreamOptions ai.StreamOptions

	// MaxTurns caps the sub-agent's loop (0 = unlimited).
	MaxTurns int

	// OnEvent optionally observes the sub-agent's events.
	OnEvent func(Event)
}

// SubAgent wraps an Agent for one-shot delegation: run a prompt to
// completion, return the final text. No journal, no compaction.
type SubAgent struct {
	agent *Agent
	opts  SubAgentOptions
}

// NewSubAgent creates a sub-agent. Call Run to execute a task.
func NewSubAgent(opts SubAgentOptions) *SubAgent {
	a := New(Options{
		Transport:     opts.Transport,
		Model:         opts.Model,
		SystemPrompt:  opts.SystemPrompt,
		Tools:         opts.Tools,
		StreamOptions: opts.StreamOptions,
	})
	if opts.OnEvent != nil {
		a.Subscribe(SubscriberFunc(opts.OnEvent))
	}
	return &SubAgent{agent: a, opts: opts}
}

// Run prompts the sub-agent and blocks until its loop completes, returning
// the final assistant text.
func (s *SubAgent) Run(ctx context.Context, prompt string) (string, error) {
	cfg := Config{MaxTurns: s.opts.MaxTurns}
	if err := s.agent.Prompt(ctx, prompt, cfg); err != nil {
		return "", fmt.Errorf("subagent: %w", err)
	}
	return s.LastResponse(), nil
}

// LastResponse extracts the text of the most recent assistant message.
func (s *SubAgent) LastResponse() string {
	msgs := s.agent.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if am, ok := msgs[i].(ai.AssistantMessage); ok {
			return ai.TextOf(&am)
		}
	}
	return ""
}

// Agent exposes the underlying agent for advanced use.
func (s *SubAgent) Agent() *Agent { return s.agent }

// ---------------------------------------------------------------------------
// SubAgentTool
// ---------------------------------------------------------------------------

// SubAgentTool exposes a sub-agent as a tool. When the parent model calls
// it, a fresh sub-agent runs the given prompt and its final response becomes
// the tool result; the sub-agent's stream deltas surface as partial updates.
type SubAgentTool struct {
	name        string
	description string
	subOpts     SubAgentOptions
}

// NewSubAgentTool builds the tool. Each Execute runs an isolated sub-agent,
// so parallel calls never share history.
func NewSubAgentTool(name, description string, opts SubAgentOptions) *SubAgentTool {
	return &SubAgentTool{name: name, description: description, subOpts: opts}
}

func (t *SubAgentTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{
				"prompt": {Type: "string", Description: "The task or question for the sub-agent"},
			},
			Required: []string{"prompt"},
		}),
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, _ string, params map[string]any, updates chan<- tools.Result) (tools.Result, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return tools.ErrorResult(fmt.Errorf("prompt is required")), nil
	}

	// Forward stream deltas as partial results. Run blocks until the
	// sub-agent finishes, so every send lands while Execute is running and
	// the caller still owns the updates channel.
	opts := t.subOpts
	opts.OnEvent = func(e Event) {
		if e.Type == EventMessageUpdate && e.Delta != "" {
			updates <- tools.Result{Content: []ai.ContentBlock{ai.TextContent{Text: e.Delta}}}
		}
	}

	sub := NewSubAgent(opts)
	result, err := sub.Run(ctx, prompt)
	if err != nil {
		return tools.ErrorResult(err), nil
	}
	if result == "" {
		result = "(sub-agent produced no response)"
	}

	return tools.Result{
		Content: []ai.ContentBlock{ai.TextContent{Text: result}},
		Details: map[string]any{
			"model":    opts.Model,
			"messages": len(sub.Agent().Messages()),
		},
	}, nil
}
