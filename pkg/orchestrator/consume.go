package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/hooks"
	"github.com/kestrel-dev/agentkit/pkg/queue"
	"github.com/kestrel-dev/agentkit/pkg/session"
)

// consume is the single queue consumer. It exits when the orchestrator's
// root context is cancelled; at-most-one prompt is ever active.
func (o *Orchestrator) consume(ctx context.Context) {
	defer close(o.done)
	for {
		item, err := o.queue.Take(ctx)
		if err != nil {
			return
		}
		o.process(ctx, item)
	}
}

// process runs one queued prompt end to end and settles its completion plus
// the completions of any items drained into it along the way.
func (o *Orchestrator) process(ctx context.Context, item queue.Item) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	start := time.Now()
	o.logger.Info("prompt:process:start",
		"mode", string(item.Mode), "queued", o.queue.Len(), "session", o.sessions.ID())

	err := o.runPrompt(ctx, item)

	resolveCompletion(item.Completion, err)
	for _, ch := range o.takeAbsorbed() {
		resolveCompletion(ch, err)
	}

	if err != nil {
		o.logger.Error("prompt:process:error", "error", err, "duration", time.Since(start))
		return
	}
	o.logger.Info("prompt:process:complete", "duration", time.Since(start))
}

// runPrompt is the per-item pipeline: ensure a session, consult the prompt
// hooks, build the user message, resolve the model, then run the loop under
// the execution plan.
func (o *Orchestrator) runPrompt(ctx context.Context, item queue.Item) error {
	if err := o.ensureSession(ctx); err != nil {
		return err
	}

	hc := o.hookContext(ctx)
	o.setCurrentContext(hc)
	defer o.setCurrentContext(nil)

	// An item-supplied result replays a past agent.before_start without
	// emitting the event again.
	res := item.BeforeStart
	if res == nil {
		res = o.runner.BeforeAgentStart(hc)
	}
	if res != nil && res.Message != nil {
		o.agent.InjectMessage(normalizeHookMessage(*res.Message))
	}

	draft := &hooks.MessageDraft{
		Text:        item.Text,
		Attachments: item.Attachments,
		Parts:       promptParts(item.Text, item.Attachments),
	}
	o.runner.BuildMessage(hc, draft)
	// Handlers that rewrite Text or Attachments get their parts rebuilt;
	// handlers that edited Parts directly keep them.
	if draft.Text != item.Text || !slices.Equal(draft.Attachments, item.Attachments) {
		draft.Parts = promptParts(draft.Text, draft.Attachments)
	}

	user := ai.UserMessage{
		Role:        ai.RoleUser,
		Content:     draft.Parts,
		Attachments: draft.Attachments,
		Timestamp:   session.Now(),
	}

	o.resolveModel(hc)

	cfg := o.agentConfig(hc)
	return o.plan.Execute(ctx, o.agent, func(ctx context.Context) error {
		return o.agent.PromptMessages(ctx, []ai.Message{user}, cfg)
	})
}

// ensureSession starts a journal on first use and emits session.start. A
// session resumed or started earlier is left alone.
func (o *Orchestrator) ensureSession(ctx context.Context) error {
	if o.sessions.Active() {
		return nil
	}
	o.mu.Lock()
	provider := o.provider
	thinking := o.thinking
	o.mu.Unlock()

	if _, err := o.sessions.StartSession(provider, o.agent.Model(), thinking); err != nil {
		return fmt.Errorf("orchestrator: start session: %w", err)
	}
	o.runner.EmitSessionStart(o.hookContext(ctx))
	return nil
}

// resolveModel runs the model.resolve hook and applies its choice. An
// unknown provider keeps the current transport.
func (o *Orchestrator) resolveModel(hc *hooks.Context) {
	o.mu.Lock()
	provider := o.provider
	o.mu.Unlock()

	choice := &hooks.ModelChoice{Provider: provider, Model: o.agent.Model()}
	o.runner.ResolveModel(hc, choice)

	if choice.Provider != "" && choice.Provider != provider {
		if tr, ok := o.transports[choice.Provider]; ok {
			o.agent.SetTransport(tr)
			o.mu.Lock()
			o.provider = choice.Provider
			o.mu.Unlock()
		} else {
			o.logger.Warn("model.resolve chose an unknown provider, keeping current transport",
				"provider", choice.Provider)
		}
	}
	if choice.Model != "" && choice.Model != o.agent.Model() {
		o.agent.SetModel(choice.Model)
	}
}

// drainQueued converts queued items of one mode into user messages for the
// in-flight prompt. Their completions settle with that prompt's final error;
// agent.before_start and chat.message do not run for them.
func (o *Orchestrator) drainQueued(mode queue.Mode) []ai.Message {
	items := o.queue.TakeMode(mode)
	if len(items) == 0 {
		return nil
	}
	msgs := make([]ai.Message, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, ai.UserMessage{
			Role:        ai.RoleUser,
			Content:     promptParts(item.Text, item.Attachments),
			Attachments: item.Attachments,
			Timestamp:   session.Now(),
		})
		if item.Completion != nil {
			o.mu.Lock()
			o.absorbed = append(o.absorbed, item.Completion)
			o.mu.Unlock()
		}
	}
	return msgs
}

func (o *Orchestrator) takeAbsorbed() []chan error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.absorbed
	o.absorbed = nil
	return out
}

// promptParts is the default content assembly: the text, then one image
// block per image attachment. Non-image attachments stay attachment-only.
func promptParts(text string, atts []ai.Attachment) []ai.ContentBlock {
	var parts []ai.ContentBlock
	if text != "" {
		parts = append(parts, ai.TextContent{Text: text})
	}
	for _, att := range atts {
		if strings.HasPrefix(att.MimeType, "image/") {
			parts = append(parts, ai.ImageContent{Data: att.Data, MimeType: att.MimeType})
		}
	}
	return parts
}

func normalizeHookMessage(m ai.HookMessage) ai.HookMessage {
	if m.Role == "" {
		m.Role = ai.RoleHookMessage
	}
	if m.Timestamp == 0 {
		m.Timestamp = session.Now()
	}
	return m
}
