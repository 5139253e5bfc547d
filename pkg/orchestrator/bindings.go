package orchestrator

import (
	"context"
	"fmt"

	"github.com/kestrel-dev/agentkit/pkg/agent"
	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/hooks"
	"github.com/kestrel-dev/agentkit/pkg/queue"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// hookContext assembles the object handlers receive. One is built per
// emission site, so SessionID and Model are current at build time.
func (o *Orchestrator) hookContext(ctx context.Context) *hooks.Context {
	hc := &hooks.Context{
		Ctx:       ctx,
		Cwd:       o.cwd,
		SessionID: o.sessions.ID(),
		Model:     o.agent.Model(),
		Session:   o.sessions,
		UI:        o.ui,
		Bridge:    o.sessionBridge(),
	}
	hc.BindDelivery(
		func(text string) { o.SubmitPrompt(text, SubmitOptions{Mode: queue.ModeSteer}) },
		func(text string) { o.SubmitPrompt(text, SubmitOptions{Mode: queue.ModeFollowUp}) },
		func(text, deliverAs string) {
			mode := queue.ModeFollowUp
			if deliverAs == "steer" {
				mode = queue.ModeSteer
			}
			o.SubmitPrompt(text, SubmitOptions{Mode: mode})
		},
		func() bool { return !o.agent.IsStreaming() },
	)
	return hc
}

// sessionBridge exposes runtime operations to handlers. Handlers run on the
// hook dispatcher goroutine, so nothing here may emit hook events: Summarize
// compacts without the before_compact/session.compact consultations, and
// NewSession clears without session.clear.
func (o *Orchestrator) sessionBridge() hooks.SessionBridge {
	return hooks.SessionBridge{
		Summarize: func(ctx context.Context) error {
			return o.agent.Compact(ctx, "", agent.Config{})
		},
		Toast: func(text string) {
			o.ui.Notify("info", text)
		},
		TokenUsage: func() int {
			return o.agent.ContextTokens()
		},
		ContextLimit: func() int {
			return o.contextWindow
		},
		NewSession: func() error {
			o.sessions.Clear()
			o.agent.ClearMessages()
			return nil
		},
		Complete: func(ctx context.Context, prompt string) (string, error) {
			return o.complete(ctx, prompt)
		},
	}
}

// complete runs a one-shot, non-streaming model call outside the loop, e.g.
// for a hook that wants a quick classification.
func (o *Orchestrator) complete(ctx context.Context, prompt string) (string, error) {
	o.mu.Lock()
	tr := o.transports[o.provider]
	o.mu.Unlock()
	if tr == nil {
		return "", fmt.Errorf("orchestrator: no transport configured")
	}

	llmCtx := ai.Context{
		Messages: []ai.Message{ai.UserMessage{
			Role:      ai.RoleUser,
			Content:   []ai.ContentBlock{ai.TextContent{Text: prompt}},
			Timestamp: session.Now(),
		}},
	}
	msg, err := tr.Complete(ctx, o.agent.Model(), llmCtx, o.streamOpts)
	if err != nil {
		return "", err
	}
	if msg.StopReason == ai.StopReasonError {
		return "", fmt.Errorf("orchestrator: complete: %s", msg.ErrorMessage)
	}
	return ai.TextOf(msg), nil
}

// agentConfig binds one loop run to the hook runner and the queue. The agent
// stays hook-agnostic; every Config func closes over the prompt's context.
func (o *Orchestrator) agentConfig(hc *hooks.Context) agent.Config {
	return agent.Config{
		TransformSystemPrompt: func(prompt string) string {
			return o.runner.TransformSystemPrompt(hc, prompt)
		},
		AdjustParams: func(opts *ai.StreamOptions) {
			o.runner.AdjustParams(hc, opts)
		},
		GetAPIKey: func(transport string) (string, error) {
			return o.runner.GetAuth(hc, transport), nil
		},
		TransformMessages: func(msgs []ai.Message) []ai.Message {
			return o.runner.TransformMessages(hc, msgs)
		},
		GetSteeringMessages: func() []ai.Message {
			return o.drainQueued(queue.ModeSteer)
		},
		GetFollowUpMessages: func() []ai.Message {
			return o.drainQueued(queue.ModeFollowUp)
		},
		BeforeToolExecute: func(toolName, callID string, args map[string]any) (agent.GateDecision, error) {
			dec, err := o.runner.GateToolExecute(hc, toolName, callID, args)
			return agent.GateDecision{Blocked: dec.Blocked, Reason: dec.Reason, Args: dec.Args}, err
		},
		AfterToolExecute: func(toolName, callID string, args map[string]any, res *tools.Result) {
			o.runner.MergeToolResult(hc, toolName, callID, args, res)
		},
		BeforeCompact: func(instructions string) agent.CompactDecision {
			req := &hooks.CompactRequest{Instructions: instructions}
			o.runner.BeforeCompact(hc, req)
			return agent.CompactDecision{Cancel: req.Cancel, Instructions: req.Instructions}
		},
		OnCompact: func(state session.CompactionState) {
			o.runner.EmitSessionCompact(hc, hooks.CompactInfo{State: state})
		},
		NotifyTurnStart: func() { o.runner.EmitTurnStart(hc) },
		NotifyTurnEnd:   func() { o.runner.EmitTurnEnd(hc) },
		MaxTurns:        o.maxTurns,
	}
}

// forwardAgentEvent bridges the agent's event bus to the hook kinds that
// mirror it. Turn events travel through Config instead, so only the
// agent-level pair is forwarded here.
func (o *Orchestrator) forwardAgentEvent(e agent.Event) {
	switch e.Type {
	case agent.EventAgentStart:
		o.runner.EmitAgentStart(o.currentContext())
	case agent.EventAgentEnd:
		o.runner.EmitAgentEnd(o.currentContext(), e.Messages)
	}
}

func (o *Orchestrator) setCurrentContext(hc *hooks.Context) {
	o.mu.Lock()
	o.hc = hc
	o.mu.Unlock()
}

// currentContext returns the in-flight prompt's hook context, or a fresh one
// when the agent is driven outside a prompt.
func (o *Orchestrator) currentContext() *hooks.Context {
	o.mu.Lock()
	hc := o.hc
	o.mu.Unlock()
	if hc == nil {
		hc = o.hookContext(context.Background())
	}
	return hc
}
