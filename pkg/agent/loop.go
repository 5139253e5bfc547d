package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// runLoop is the turn state machine. Each iteration: splice pending user
// input, stream one assistant response, execute its tool calls, then decide
// whether steering, outstanding tool results or follow-ups warrant another
// turn. It returns the transport error of a failed model call (the plan
// retries those) and nil for everything else, including abort.
func (a *Agent) runLoop(ctx context.Context, newMsgs []ai.Message, cfg Config) error {
	a.broadcast(Event{Type: EventAgentStart})

	var added []ai.Message
	record := func(m ai.Message) {
		a.appendMsg(m)
		added = append(added, ai.DerefMessage(m))
	}
	defer func() {
		a.broadcast(Event{Type: EventAgentEnd, Messages: added})
	}()

	splice := func(msgs []ai.Message) {
		for _, m := range msgs {
			record(m)
			a.broadcast(Event{Type: EventMessageStart, Message: m})
			a.broadcast(Event{Type: EventMessageEnd, Message: m})
		}
	}

	pending := newMsgs
	turns := 0
	for {
		if cfg.MaxTurns > 0 && turns >= cfg.MaxTurns {
			a.broadcast(Event{Type: EventTurnLimitReached})
			return nil
		}
		turns++

		if cfg.NotifyTurnStart != nil {
			cfg.NotifyTurnStart()
		}
		a.broadcast(Event{Type: EventTurnStart})

		// Threshold compaction runs before the pending splice so a fresh
		// prompt is never folded into the summary it should follow.
		a.maybeCompact(ctx, cfg)

		splice(pending)
		pending = nil

		assistant, streamErr := a.streamOnce(ctx, cfg)
		record(assistant)

		if assistant.StopReason == ai.StopReasonAborted {
			a.emitTurnEnd(cfg, assistant, nil)
			return nil
		}
		if assistant.StopReason == ai.StopReasonError {
			a.emitTurnEnd(cfg, assistant, nil)
			if retried := a.retryAfterOverflow(ctx, cfg, assistant); retried {
				continue
			}
			if streamErr == nil {
				streamErr = fmt.Errorf("agent: model call failed: %s", assistant.ErrorMessage)
			}
			return streamErr
		}

		toolCalls := collectToolCalls(assistant)

		var toolResults []ai.ToolResultMessage
		if len(toolCalls) > 0 {
			toolResults = a.dispatchTools(ctx, toolCalls, cfg)
			for _, tr := range toolResults {
				record(tr)
				a.broadcast(Event{Type: EventMessageStart, Message: tr})
				a.broadcast(Event{Type: EventMessageEnd, Message: tr})
			}
		}

		a.emitTurnEnd(cfg, assistant, toolResults)

		if ctx.Err() != nil {
			return nil
		}

		// Steering outranks the tool-result continuation: an interruption is
		// answered before the model reacts to the results already in context.
		if cfg.GetSteeringMessages != nil {
			if steer := cfg.GetSteeringMessages(); len(steer) > 0 {
				pending = steer
				continue
			}
		}
		if len(toolResults) > 0 {
			continue
		}
		if cfg.GetFollowUpMessages != nil {
			if follow := cfg.GetFollowUpMessages(); len(follow) > 0 {
				pending = follow
				continue
			}
		}
		return nil
	}
}

func (a *Agent) emitTurnEnd(cfg Config, assistant *ai.AssistantMessage, toolResults []ai.ToolResultMessage) {
	a.broadcast(Event{
		Type:        EventTurnEnd,
		Message:     *assistant,
		ToolResults: toolResults,
		Usage:       EstimateContextTokens(a.Messages()),
	})
	if cfg.NotifyTurnEnd != nil {
		cfg.NotifyTurnEnd()
	}
}

// ---------------------------------------------------------------------------
// S1: assistant stream
// ---------------------------------------------------------------------------

// streamOnce performs one model call. The returned message always has a
// terminal stop reason; the error is non-nil only for transport failures
// (never for abort), so callers can hand it straight to the retry plan.
func (a *Agent) streamOnce(ctx context.Context, cfg Config) (*ai.AssistantMessage, error) {
	a.mu.RLock()
	transport := a.transport
	model := a.model
	systemPrompt := a.systemPrompt
	history := make([]ai.Message, len(a.messages))
	copy(history, a.messages)
	opts := a.streamOpts
	a.mu.RUnlock()

	if cfg.TransformSystemPrompt != nil {
		systemPrompt = cfg.TransformSystemPrompt(systemPrompt)
	}

	outbound := history
	if cfg.ConvertToLLM != nil {
		outbound = cfg.ConvertToLLM(outbound)
	} else {
		outbound = FilterForLLM(outbound)
	}
	if cfg.TransformMessages != nil {
		outbound = cfg.TransformMessages(outbound)
	}

	if cfg.AdjustParams != nil {
		cfg.AdjustParams(&opts)
	}
	if cfg.GetAPIKey != nil {
		if key, err := cfg.GetAPIKey(transport.Name()); err == nil && key != "" {
			opts.APIKey = key
		}
	}

	llmCtx := ai.Context{
		SystemPrompt: systemPrompt,
		Messages:     outbound,
		Tools:        a.registry.Definitions(),
	}

	events, wait := transport.Stream(ctx, model, llmCtx, opts)

	// Events always carry value messages so subscribers can type-assert
	// without caring whether the transport handed out pointers.
	partial := &ai.AssistantMessage{
		Role:      ai.RoleAssistant,
		Provider:  transport.Name(),
		Model:     model,
		Timestamp: session.Now(),
	}
	a.broadcast(Event{Type: EventMessageStart, Message: *partial})

	for ev := range events {
		if ev.Partial != nil {
			partial = ev.Partial
		}
		switch ev.Type {
		case ai.StreamEventTextDelta, ai.StreamEventThinkingDelta,
			ai.StreamEventToolCallStart, ai.StreamEventToolCallDelta,
			ai.StreamEventToolCallEnd:
			a.broadcast(Event{Type: EventMessageUpdate, Message: *partial, Delta: ev.Delta})
		}
	}

	final, err := wait()
	if err != nil {
		if ctx.Err() != nil {
			partial.StopReason = ai.StopReasonAborted
			a.broadcast(Event{Type: EventMessageEnd, Message: *partial})
			return partial, nil
		}
		partial.StopReason = ai.StopReasonError
		partial.ErrorMessage = err.Error()
		a.broadcast(Event{Type: EventMessageEnd, Message: *partial})
		return partial, err
	}

	a.broadcast(Event{Type: EventMessageEnd, Message: *final})
	return final, nil
}

// FilterForLLM keeps the message roles a model accepts, dropping hook
// messages and anything else that only exists for the journal and UIs.
func FilterForLLM(msgs []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.GetRole() {
		case ai.RoleUser, ai.RoleAssistant, ai.RoleToolResult:
			out = append(out, m)
		}
	}
	return out
}

func collectToolCalls(msg *ai.AssistantMessage) []ai.ToolCall {
	var calls []ai.ToolCall
	for _, b := range msg.Content {
		if tc, ok := b.(ai.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ---------------------------------------------------------------------------
// S3: tool dispatch
// ---------------------------------------------------------------------------

// dispatchTools runs every tool call of one assistant message concurrently.
// The result slice is indexed by call order, so completion order never leaks
// into the context.
func (a *Agent) dispatchTools(ctx context.Context, calls []ai.ToolCall, cfg Config) []ai.ToolResultMessage {
	results := make([]ai.ToolResultMessage, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc ai.ToolCall) {
			defer wg.Done()
			res, isError := a.executeCall(ctx, tc, cfg)
			results[i] = ai.ToolResultMessage{
				Role:       ai.RoleToolResult,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Content:    res.Content,
				Details:    res.Details,
				IsError:    isError,
				Timestamp:  session.Now(),
			}
		}(i, tc)
	}
	wg.Wait()
	return results
}

// executeCall runs the per-call pipeline: gate, validate, execute, merge.
func (a *Agent) executeCall(ctx context.Context, tc ai.ToolCall, cfg Config) (tools.Result, bool) {
	a.broadcast(Event{
		Type:       EventToolExecutionStart,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.Arguments,
	})

	res, isError := a.runCall(ctx, tc, cfg)

	a.broadcast(Event{
		Type:       EventToolExecutionEnd,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.Arguments,
		Result:     &res,
		IsError:    isError,
	})
	return res, isError
}

func (a *Agent) runCall(ctx context.Context, tc ai.ToolCall, cfg Config) (tools.Result, bool) {
	args := tc.Arguments

	if cfg.BeforeToolExecute != nil {
		dec, err := cfg.BeforeToolExecute(tc.Name, tc.ID, args)
		if err != nil {
			// Gate failures block the call rather than letting an unchecked
			// tool run.
			return tools.ErrorResult(fmt.Errorf("tool %s blocked: %w", tc.Name, err)), true
		}
		if dec.Blocked {
			reason := dec.Reason
			if reason == "" {
				reason = "blocked by hook"
			}
			r := tools.TextResult(reason)
			r.IsError = true
			return r, true
		}
		if dec.Args != nil {
			args = dec.Args
		}
	}

	tool := a.registry.Get(tc.Name)
	if tool == nil {
		return tools.ErrorResult(fmt.Errorf("tool %q not found", tc.Name)), true
	}

	params, err := tools.ValidateAndCoerce(tool.Definition(), args)
	if err != nil {
		return tools.ErrorResult(err), true
	}

	// The updates channel lives exactly as long as Execute; forwarding runs
	// on its own goroutine so a chatty tool never blocks on the event bus.
	updates := make(chan tools.Result)
	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		for partial := range updates {
			p := partial
			a.broadcast(Event{
				Type:          EventToolExecutionUpdate,
				ToolCallID:    tc.ID,
				ToolName:      tc.Name,
				PartialResult: &p,
			})
		}
	}()

	res, execErr := tool.Execute(ctx, tc.ID, params, updates)
	close(updates)
	fwd.Wait()

	if execErr != nil {
		if ctx.Err() != nil {
			r := tools.TextResult("Operation aborted")
			r.IsError = true
			return r, true
		}
		return tools.ErrorResult(execErr), true
	}

	if cfg.AfterToolExecute != nil {
		cfg.AfterToolExecute(tc.Name, tc.ID, args, &res)
	}
	return res, res.IsError
}
