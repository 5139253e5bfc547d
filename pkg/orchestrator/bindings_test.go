package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/agent"
	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/hooks"
	"github.com/kestrel-dev/agentkit/pkg/orchestrator"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

func userText(text string) ai.UserMessage {
	return ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// agent.before_start
// ---------------------------------------------------------------------------

func TestBindings_BeforeStartInjectsHookMessage(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("hello")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "recap",
		BeforeAgentStart: func(*hooks.Context) (*hooks.BeforeStartResult, error) {
			return &hooks.BeforeStartResult{Message: &ai.HookMessage{
				CustomType: "recap",
				Content:    []ai.ContentBlock{ai.TextContent{Text: "recap note"}},
			}}, nil
		},
	})

	await(t, o, "hi")

	// The injected message lives in history and the journal but never
	// reaches the model.
	var injected []ai.HookMessage
	for _, m := range o.Agent().Messages() {
		if h, ok := m.(ai.HookMessage); ok {
			injected = append(injected, h)
		}
	}
	if len(injected) != 1 || injected[0].CustomType != "recap" {
		t.Fatalf("injected messages = %+v, want one recap", injected)
	}
	if injected[0].Role != ai.RoleHookMessage || injected[0].Timestamp == 0 {
		t.Errorf("injected message not normalised: role=%q ts=%d", injected[0].Role, injected[0].Timestamp)
	}
	for _, m := range tr.context(0).Messages {
		if m.GetRole() == ai.RoleHookMessage {
			t.Error("hook message leaked into the outbound context")
		}
	}
	data, err := o.Sessions().LoadSession(o.Sessions().Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(data.Messages) != 3 || data.Messages[0].GetRole() != ai.RoleHookMessage {
		t.Errorf("journal = %d messages, first role %q; want the hook message first",
			len(data.Messages), data.Messages[0].GetRole())
	}
}

func TestBindings_ItemBeforeStartSkipsEmission(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("ok")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	log := &hookLog{}
	o.Hooks().Register(lifecycleHook(log))

	pre := &hooks.BeforeStartResult{Message: &ai.HookMessage{
		CustomType: "restored",
		Content:    []ai.ContentBlock{ai.TextContent{Text: "old note"}},
	}}
	if err := o.SubmitPromptAndWait(waitCtx(t), "hi", orchestrator.SubmitOptions{BeforeStart: pre}); err != nil {
		t.Fatal(err)
	}

	// The supplied result replays without a second consultation; the rest
	// of the preparation pipeline still runs.
	if log.has(hooks.KindAgentBeforeStart) {
		t.Error("agent.before_start emitted despite the replayed result")
	}
	if !log.has(hooks.KindChatMessage) {
		t.Error("chat.message missing")
	}
	found := false
	for _, m := range o.Agent().Messages() {
		if h, ok := m.(ai.HookMessage); ok && msgText(h) == "old note" {
			found = true
		}
	}
	if !found {
		t.Error("replayed hook message missing from history")
	}
}

// ---------------------------------------------------------------------------
// chat.message
// ---------------------------------------------------------------------------

func TestBindings_ChatMessageRewritesPrompt(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("ok")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "rewriter",
		BuildMessage: func(_ *hooks.Context, draft *hooks.MessageDraft) error {
			draft.Text = "rewritten: " + draft.Text
			return nil
		},
	})

	await(t, o, "original")

	user, ok := tr.context(0).Messages[0].(ai.UserMessage)
	if !ok {
		t.Fatalf("first outbound is %T, want UserMessage", tr.context(0).Messages[0])
	}
	if got := msgText(user); got != "rewritten: original" {
		t.Errorf("outbound text = %q, want the rewritten prompt", got)
	}
	data, err := o.Sessions().LoadSession(o.Sessions().Path())
	if err != nil {
		t.Fatal(err)
	}
	if got := msgText(data.Messages[0]); got != "rewritten: original" {
		t.Errorf("journalled text = %q, want the rewritten prompt", got)
	}
}

func TestBindings_ChatMessageDirectPartEditsSurvive(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("ok")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "annotator",
		BuildMessage: func(_ *hooks.Context, draft *hooks.MessageDraft) error {
			draft.Parts = append(draft.Parts, ai.TextContent{Text: " [annotated]"})
			return nil
		},
	})

	await(t, o, "base")

	user, ok := tr.context(0).Messages[0].(ai.UserMessage)
	if !ok {
		t.Fatalf("first outbound is %T, want UserMessage", tr.context(0).Messages[0])
	}
	// Text and Attachments untouched, so the edited parts are kept as-is.
	if len(user.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(user.Content))
	}
	if got := msgText(user); got != "base [annotated]" {
		t.Errorf("outbound text = %q", got)
	}
}

// ---------------------------------------------------------------------------
// model.resolve
// ---------------------------------------------------------------------------

func TestBindings_ModelResolveSwitchesTransport(t *testing.T) {
	alpha := &scriptedTransport{name: "alpha"}
	beta := &scriptedTransport{name: "beta", turns: []scriptedTurn{{final: answer("from beta")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: map[string]ai.Transport{"alpha": alpha, "beta": beta},
		Provider:   "alpha",
		Model:      "m1",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "router",
		ResolveModel: func(_ *hooks.Context, choice *hooks.ModelChoice) error {
			choice.Provider = "beta"
			choice.Model = "m2"
			return nil
		},
	})

	await(t, o, "route me")

	if alpha.callCount() != 0 {
		t.Errorf("alpha calls = %d, want 0", alpha.callCount())
	}
	if beta.callCount() != 1 {
		t.Fatalf("beta calls = %d, want 1", beta.callCount())
	}
	if got := beta.model(0); got != "m2" {
		t.Errorf("model = %q, want m2", got)
	}
	if got := o.Agent().Model(); got != "m2" {
		t.Errorf("agent model = %q, want m2", got)
	}
}

func TestBindings_ModelResolveUnknownProviderKeepsTransport(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("still here")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "ghost-router",
		ResolveModel: func(_ *hooks.Context, choice *hooks.ModelChoice) error {
			choice.Provider = "ghost"
			return nil
		},
	})

	await(t, o, "hi")

	if tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", tr.callCount())
	}
	if got := o.Agent().Model(); got != "test-model" {
		t.Errorf("model = %q, want unchanged", got)
	}
}

// ---------------------------------------------------------------------------
// Per-call consultations
// ---------------------------------------------------------------------------

func TestBindings_CallPreparationPipeline(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("ok")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports:   singleTransport(tr),
		Provider:     "scripted",
		SystemPrompt: "base rules",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "tuner",
		TransformSystemPrompt: func(_ *hooks.Context, prompt string) (string, error) {
			return prompt + " [hooked]", nil
		},
		AdjustParams: func(_ *hooks.Context, opts *ai.StreamOptions) error {
			opts.MaxTokens = 77
			return nil
		},
		GetAuth: func(_ *hooks.Context, provider string) (string, error) {
			if provider != "scripted" {
				return "", nil
			}
			return "sk-hook", nil
		},
		TransformMessages: func(_ *hooks.Context, msgs []ai.Message) ([]ai.Message, error) {
			return append(msgs, userText("marker")), nil
		},
	})

	await(t, o, "hi")

	got := tr.context(0)
	if got.SystemPrompt != "base rules [hooked]" {
		t.Errorf("system prompt = %q", got.SystemPrompt)
	}
	if text := msgText(lastMessage(got)); text != "marker" {
		t.Errorf("last outbound = %q, want the transform marker", text)
	}
	opts := tr.options(0)
	if opts.MaxTokens != 77 {
		t.Errorf("MaxTokens = %d, want 77", opts.MaxTokens)
	}
	if opts.APIKey != "sk-hook" {
		t.Errorf("APIKey = %q, want sk-hook", opts.APIKey)
	}
	// The marker is outbound-only; history keeps the real exchange.
	for _, m := range o.Agent().Messages() {
		if msgText(m) == "marker" {
			t.Error("transform marker leaked into history")
		}
	}
}

// ---------------------------------------------------------------------------
// Tool gating and result patching
// ---------------------------------------------------------------------------

func TestBindings_GateBlocksToolExecution(t *testing.T) {
	invoked := false
	reg := tools.NewRegistry()
	reg.Register(tools.Func{
		Def: ai.ToolDefinition{
			Name:        "danger",
			Description: "does something irreversible",
			Parameters:  tools.MustSchema(tools.SimpleSchema{Properties: map[string]tools.Property{}}),
		},
		Fn: func(context.Context, string, map[string]any, chan<- tools.Result) (tools.Result, error) {
			invoked = true
			return tools.TextResult("boom"), nil
		},
	})
	tr := &scriptedTransport{turns: []scriptedTurn{
		{final: toolUse(ai.ToolCall{ID: "c1", Name: "danger", Arguments: map[string]any{}})},
		{final: answer("understood")},
	}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
		Tools:      reg,
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "policy",
		BeforeToolExecute: func(_ *hooks.Context, ev *hooks.ToolExecuteEvent) (*hooks.GateResult, error) {
			if ev.ToolName == "danger" {
				return &hooks.GateResult{Block: true, Reason: "blocked by policy"}, nil
			}
			return nil, nil
		},
	})

	await(t, o, "go")

	if invoked {
		t.Error("blocked tool still executed")
	}
	res, ok := lastMessage(tr.context(1)).(ai.ToolResultMessage)
	if !ok {
		t.Fatalf("last outbound is %T, want ToolResultMessage", lastMessage(tr.context(1)))
	}
	if !res.IsError || msgText(res) != "blocked by policy" {
		t.Errorf("blocked result = isError=%v %q", res.IsError, msgText(res))
	}
}

func TestBindings_AfterToolExecutePatchesResult(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoTool())
	tr := &scriptedTransport{turns: []scriptedTurn{
		{final: toolUse(ai.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "pong"}})},
		{final: answer("ok")},
	}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
		Tools:      reg,
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "auditor",
		AfterToolExecute: func(_ *hooks.Context, _ *hooks.ToolExecuteEvent, res *tools.Result) error {
			res.Content = append(res.Content, ai.TextContent{Text: " [audited]"})
			return nil
		},
	})

	await(t, o, "go")

	res, ok := lastMessage(tr.context(1)).(ai.ToolResultMessage)
	if !ok {
		t.Fatalf("last outbound is %T, want ToolResultMessage", lastMessage(tr.context(1)))
	}
	if got := msgText(res); got != "pong [audited]" {
		t.Errorf("patched result = %q, want %q", got, "pong [audited]")
	}
}

func TestBindings_HookToolsMergedIntoRegistry(t *testing.T) {
	runner := hooks.NewRunner(nil)
	t.Cleanup(runner.Close)
	runner.Register(&hooks.Hook{Name: "toolkit", Tools: []tools.Tool{echoTool()}})

	tr := &scriptedTransport{turns: []scriptedTurn{
		{final: toolUse(ai.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "pong"}})},
		{final: answer("ok")},
	}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
		Hooks:      runner,
	})

	await(t, o, "use the tool")

	// The hook's tool is advertised and executable without an explicit
	// registry entry.
	found := false
	for _, d := range tr.context(0).Tools {
		if d.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Error("hook tool missing from advertised definitions")
	}
	res, ok := lastMessage(tr.context(1)).(ai.ToolResultMessage)
	if !ok {
		t.Fatalf("last outbound is %T, want ToolResultMessage", lastMessage(tr.context(1)))
	}
	if res.IsError || msgText(res) != "pong" {
		t.Errorf("tool result = isError=%v %q, want pong", res.IsError, msgText(res))
	}
}

// ---------------------------------------------------------------------------
// Delivery and bridge
// ---------------------------------------------------------------------------

func TestBindings_TurnEndSteerDeliveredNextTurn(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{
		{final: answer("first")},
		{final: answer("after steer")},
	}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	var once sync.Once
	o.Hooks().Register(&hooks.Hook{
		Name: "nudger",
		OnTurnEnd: func(hc *hooks.Context) error {
			once.Do(func() { hc.Steer("note from hook") })
			return nil
		},
	})

	await(t, o, "go")

	if tr.callCount() != 2 {
		t.Fatalf("transport calls = %d, want 2", tr.callCount())
	}
	if got := msgText(lastMessage(tr.context(1))); got != "note from hook" {
		t.Errorf("second call last message = %q, want the hook's steer", got)
	}
}

func TestBindings_SessionBridgeExposesRuntime(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("done")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
		Compaction: agent.CompactionConfig{ContextWindow: 120000},
	})

	var (
		completion string
		usage      int
		limit      int
		idle       bool
	)
	o.Hooks().Register(&hooks.Hook{
		Name: "inspector",
		OnAgentEnd: func(hc *hooks.Context, _ []ai.Message) error {
			completion, _ = hc.Bridge.Complete(hc.Ctx, "classify this exchange")
			usage = hc.Bridge.TokenUsage()
			limit = hc.Bridge.ContextLimit()
			idle = hc.IsIdle()
			return nil
		},
	})

	await(t, o, "hi")

	if completion != "summary" {
		t.Errorf("bridge completion = %q, want the transport's canned reply", completion)
	}
	if tr.completeCount() != 1 {
		t.Errorf("complete calls = %d, want 1", tr.completeCount())
	}
	if usage <= 0 {
		t.Errorf("token usage = %d, want > 0", usage)
	}
	if limit != 120000 {
		t.Errorf("context limit = %d, want 120000", limit)
	}
	if idle {
		t.Error("agent should not report idle mid-run")
	}
}

// ---------------------------------------------------------------------------
// Compaction
// ---------------------------------------------------------------------------

func TestBindings_CompactConsultsHooks(t *testing.T) {
	var gotInstructions string
	tr := &scriptedTransport{
		turns: []scriptedTurn{{final: answer("the work is done")}},
		completeFn: func(ai.Context) (*ai.AssistantMessage, error) {
			return answer("## Goal\nship the feature"), nil
		},
	}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	log := &hookLog{}
	o.Hooks().Register(lifecycleHook(log))
	o.Hooks().Register(&hooks.Hook{
		Name: "focus",
		BeforeCompact: func(_ *hooks.Context, req *hooks.CompactRequest) error {
			gotInstructions = req.Instructions
			req.Instructions = "call out open bugs"
			return nil
		},
	})

	await(t, o, "do the work")
	if err := o.Compact(waitCtx(t), "focus on goals"); err != nil {
		t.Fatal(err)
	}

	if gotInstructions != "focus on goals" {
		t.Errorf("hook saw instructions %q, want the caller's", gotInstructions)
	}
	// The summariser request carries the hook's replacement instructions.
	reqText := msgText(lastMessage(tr.completeContext(0)))
	if !strings.Contains(reqText, "call out open bugs") {
		t.Error("replacement instructions missing from the summary request")
	}
	// The context collapsed to the seed and the state was persisted.
	msgs := o.Agent().Messages()
	if len(msgs) != 1 || !strings.Contains(msgText(msgs[0]), "## Goal") {
		t.Fatalf("post-compact history = %d messages (%q)", len(msgs), msgText(msgs[0]))
	}
	data, err := o.Sessions().LoadSession(o.Sessions().Path())
	if err != nil {
		t.Fatal(err)
	}
	if data.Meta.Compaction == nil || data.Meta.Compaction.LastSummary != "## Goal\nship the feature" {
		t.Errorf("persisted compaction state = %+v", data.Meta.Compaction)
	}
	if !log.has(hooks.KindSessionCompact) {
		t.Error("session.compact not emitted")
	}
}

func TestBindings_CompactCancelledByHook(t *testing.T) {
	tr := &scriptedTransport{turns: []scriptedTurn{{final: answer("work")}}}
	o := startOrchestrator(t, orchestrator.Options{
		Transports: singleTransport(tr),
		Provider:   "scripted",
	})
	o.Hooks().Register(&hooks.Hook{
		Name: "veto",
		BeforeCompact: func(_ *hooks.Context, req *hooks.CompactRequest) error {
			req.Cancel = true
			return nil
		},
	})

	await(t, o, "hi")
	err := o.Compact(waitCtx(t), "")
	if !errors.Is(err, agent.ErrCompactionCancelled) {
		t.Fatalf("error = %v, want ErrCompactionCancelled", err)
	}
	if tr.completeCount() != 0 {
		t.Error("summariser called despite the veto")
	}
	if len(o.Agent().Messages()) != 2 {
		t.Error("history should be untouched after a vetoed compaction")
	}
}
