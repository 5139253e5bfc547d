package hooks

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(nil)
	t.Cleanup(r.Close)
	return r
}

func testCtx() *Context {
	return &Context{Ctx: context.Background(), UI: NoopUI{}}
}

func TestNotificationOrderFollowsRegistration(t *testing.T) {
	r := newTestRunner(t)

	var order []string
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		name := name
		r.Register(&Hook{
			Name:        name,
			OnTurnStart: func(hc *Context) error { order = append(order, name); return nil },
		})
	}

	r.EmitTurnStart(testCtx())

	want := []string{"alpha", "bravo", "charlie"}
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEmitBlocksUntilHandlersComplete(t *testing.T) {
	r := newTestRunner(t)

	done := false
	r.Register(&Hook{
		Name:       "slow",
		OnAppStart: func(hc *Context) error { done = true; return nil },
	})

	r.EmitAppStart(testCtx())
	if !done {
		t.Fatal("EmitAppStart returned before the handler ran")
	}
}

func TestTransformSystemPromptChains(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "first",
		TransformSystemPrompt: func(hc *Context, p string) (string, error) {
			return p + " A", nil
		},
	})
	r.Register(&Hook{
		Name: "broken",
		TransformSystemPrompt: func(hc *Context, p string) (string, error) {
			return "", fmt.Errorf("boom")
		},
	})
	r.Register(&Hook{
		Name: "second",
		TransformSystemPrompt: func(hc *Context, p string) (string, error) {
			return p + " B", nil
		},
	})

	got := r.TransformSystemPrompt(testCtx(), "base")
	if got != "base A B" {
		t.Errorf("prompt = %q, want %q", got, "base A B")
	}
}

func TestTransformMessagesPipelineAndClone(t *testing.T) {
	r := newTestRunner(t)

	orig := []ai.Message{
		ai.UserMessage{Role: ai.RoleUser, Content: []ai.ContentBlock{ai.TextContent{Text: "original"}}},
	}

	r.Register(&Hook{
		Name: "mutator",
		TransformMessages: func(hc *Context, msgs []ai.Message) ([]ai.Message, error) {
			um := msgs[0].(ai.UserMessage)
			um.Content = []ai.ContentBlock{ai.TextContent{Text: "mutated"}}
			msgs[0] = um
			return msgs, nil
		},
	})
	r.Register(&Hook{
		Name: "appender",
		TransformMessages: func(hc *Context, msgs []ai.Message) ([]ai.Message, error) {
			um := msgs[0].(ai.UserMessage)
			if got := um.Content[0].(ai.TextContent).Text; got != "mutated" {
				t.Errorf("second handler saw %q, want first handler's output", got)
			}
			return append(msgs, ai.UserMessage{Role: ai.RoleUser, Content: []ai.ContentBlock{ai.TextContent{Text: "appended"}}}), nil
		},
	})

	out := r.TransformMessages(testCtx(), orig)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if got := out[0].(ai.UserMessage).Content[0].(ai.TextContent).Text; got != "mutated" {
		t.Errorf("out[0] text = %q, want %q", got, "mutated")
	}
	// The caller's slice must be untouched.
	if got := orig[0].(ai.UserMessage).Content[0].(ai.TextContent).Text; got != "original" {
		t.Errorf("input was mutated to %q", got)
	}
}

func TestTransformMessagesFailingHandlerSkipped(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "broken",
		TransformMessages: func(hc *Context, msgs []ai.Message) ([]ai.Message, error) {
			return nil, fmt.Errorf("boom")
		},
	})

	orig := []ai.Message{
		ai.UserMessage{Role: ai.RoleUser, Content: []ai.ContentBlock{ai.TextContent{Text: "keep"}}},
	}
	out := r.TransformMessages(testCtx(), orig)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if got := out[0].(ai.UserMessage).Content[0].(ai.TextContent).Text; got != "keep" {
		t.Errorf("text = %q, want %q", got, "keep")
	}
}

func TestGateFirstBlockWins(t *testing.T) {
	r := newTestRunner(t)

	var thirdRan bool
	r.Register(&Hook{
		Name: "replacer",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			return &GateResult{ReplaceArgs: map[string]any{"v": "replaced"}}, nil
		},
	})
	r.Register(&Hook{
		Name: "blocker",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			return &GateResult{Block: true, Reason: "not allowed"}, nil
		},
	})
	r.Register(&Hook{
		Name: "later",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			thirdRan = true
			return nil, nil
		},
	})

	dec, err := r.GateToolExecute(testCtx(), "bash", "call-1", map[string]any{"v": "orig"})
	if err != nil {
		t.Fatalf("GateToolExecute: %v", err)
	}
	if !dec.Blocked {
		t.Fatal("expected the call to be blocked")
	}
	if dec.Reason != "not allowed" {
		t.Errorf("reason = %q, want %q", dec.Reason, "not allowed")
	}
	if thirdRan {
		t.Error("handler after the block still ran")
	}
}

func TestGateReplaceArgsLastWins(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "one",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			return &GateResult{ReplaceArgs: map[string]any{"v": "one"}}, nil
		},
	})
	r.Register(&Hook{
		Name: "two",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			if ev.Args["v"] != "one" {
				t.Errorf("second handler saw args %v, want first handler's replacement", ev.Args)
			}
			return &GateResult{ReplaceArgs: map[string]any{"v": "two"}}, nil
		},
	})

	dec, err := r.GateToolExecute(testCtx(), "bash", "call-1", map[string]any{"v": "orig"})
	if err != nil {
		t.Fatalf("GateToolExecute: %v", err)
	}
	if dec.Blocked {
		t.Fatal("unexpected block")
	}
	if dec.Args["v"] != "two" {
		t.Errorf("args[v] = %v, want %q", dec.Args["v"], "two")
	}
}

func TestGateHandlerErrorFailsClosed(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "broken",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			return nil, fmt.Errorf("gate exploded")
		},
	})

	dec, err := r.GateToolExecute(testCtx(), "bash", "call-1", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !dec.Blocked {
		t.Error("a failing gate handler must block the call")
	}
}

func TestGateHandlerPanicFailsClosed(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "panicky",
		BeforeToolExecute: func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			panic("oh no")
		},
	})

	dec, err := r.GateToolExecute(testCtx(), "bash", "call-1", nil)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want panic error", err)
	}
	if !dec.Blocked {
		t.Error("a panicking gate handler must block the call")
	}
}

func TestMergeToolResultAppliesInOrder(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "flagger",
		AfterToolExecute: func(hc *Context, ev *ToolExecuteEvent, res *tools.Result) error {
			res.IsError = true
			return nil
		},
	})
	r.Register(&Hook{
		Name: "annotator",
		AfterToolExecute: func(hc *Context, ev *ToolExecuteEvent, res *tools.Result) error {
			if !res.IsError {
				t.Error("second handler did not observe the first handler's patch")
			}
			res.Details = "annotated"
			return nil
		},
	})

	res := tools.TextResult("output")
	r.MergeToolResult(testCtx(), "bash", "call-1", nil, &res)
	if !res.IsError {
		t.Error("IsError patch lost")
	}
	if res.Details != "annotated" {
		t.Errorf("Details = %v, want %q", res.Details, "annotated")
	}
}

func TestBeforeAgentStartFirstWins(t *testing.T) {
	r := newTestRunner(t)

	var lastRan bool
	r.Register(&Hook{
		Name:             "silent",
		BeforeAgentStart: func(hc *Context) (*BeforeStartResult, error) { return nil, nil },
	})
	r.Register(&Hook{
		Name: "winner",
		BeforeAgentStart: func(hc *Context) (*BeforeStartResult, error) {
			return &BeforeStartResult{Message: &ai.HookMessage{CustomType: "winner"}}, nil
		},
	})
	r.Register(&Hook{
		Name: "loser",
		BeforeAgentStart: func(hc *Context) (*BeforeStartResult, error) {
			lastRan = true
			return &BeforeStartResult{Message: &ai.HookMessage{CustomType: "loser"}}, nil
		},
	})

	res := r.BeforeAgentStart(testCtx())
	if res == nil || res.Message == nil {
		t.Fatal("expected a result")
	}
	if res.Message.CustomType != "winner" {
		t.Errorf("customType = %q, want %q", res.Message.CustomType, "winner")
	}
	if !lastRan {
		t.Error("handlers after the winner must still run")
	}
}

func TestBeforeCompactCancelStickyInstructionsLastWin(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "canceller",
		BeforeCompact: func(hc *Context, req *CompactRequest) error {
			req.Cancel = true
			req.Instructions = "one"
			return nil
		},
	})
	r.Register(&Hook{
		Name: "revisor",
		BeforeCompact: func(hc *Context, req *CompactRequest) error {
			req.Cancel = false // must not un-cancel
			req.Instructions = "two"
			return nil
		},
	})

	req := &CompactRequest{}
	r.BeforeCompact(testCtx(), req)
	if !req.Cancel {
		t.Error("cancel must be sticky")
	}
	if req.Instructions != "two" {
		t.Errorf("instructions = %q, want %q", req.Instructions, "two")
	}
}

func TestGetAuthLastNonEmptyWins(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name:    "first",
		GetAuth: func(hc *Context, provider string) (string, error) { return "key-1", nil },
	})
	r.Register(&Hook{
		Name:    "empty",
		GetAuth: func(hc *Context, provider string) (string, error) { return "", nil },
	})
	r.Register(&Hook{
		Name:    "last",
		GetAuth: func(hc *Context, provider string) (string, error) { return "key-3", nil },
	})

	if got := r.GetAuth(testCtx(), "anthropic"); got != "key-3" {
		t.Errorf("key = %q, want %q", got, "key-3")
	}
}

func TestAdjustParamsSeesEarlierWrites(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name: "raiser",
		AdjustParams: func(hc *Context, opts *ai.StreamOptions) error {
			opts.MaxTokens = 1024
			return nil
		},
	})
	r.Register(&Hook{
		Name: "doubler",
		AdjustParams: func(hc *Context, opts *ai.StreamOptions) error {
			opts.MaxTokens *= 2
			return nil
		},
	})

	opts := &ai.StreamOptions{}
	r.AdjustParams(testCtx(), opts)
	if opts.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", opts.MaxTokens)
	}
}

func TestErrorsChannelCarriesHandlerFailures(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name:       "broken",
		OnAppStart: func(hc *Context) error { return fmt.Errorf("startup failed") },
	})

	r.EmitAppStart(testCtx())

	select {
	case he := <-r.Errors():
		if he.Hook != "broken" {
			t.Errorf("hook = %q, want %q", he.Hook, "broken")
		}
		if he.Event != KindAppStart {
			t.Errorf("event = %q, want %q", he.Event, KindAppStart)
		}
		if !strings.Contains(he.Error(), "startup failed") {
			t.Errorf("error = %q, want it to mention the cause", he.Error())
		}
	default:
		t.Fatal("no error published")
	}
}

func TestNotificationPanicDoesNotStopOthers(t *testing.T) {
	r := newTestRunner(t)

	var secondRan bool
	r.Register(&Hook{
		Name:       "panicky",
		OnTurnEnd:  func(hc *Context) error { panic("boom") },
		OnAppStart: nil,
	})
	r.Register(&Hook{
		Name:      "steady",
		OnTurnEnd: func(hc *Context) error { secondRan = true; return nil },
	})

	r.EmitTurnEnd(testCtx())
	if !secondRan {
		t.Error("a panicking handler stopped later hooks")
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRunner(t)

	var ran []string
	id := r.Register(&Hook{
		Name:        "gone",
		OnTurnStart: func(hc *Context) error { ran = append(ran, "gone"); return nil },
	})
	r.Register(&Hook{
		Name:        "kept",
		OnTurnStart: func(hc *Context) error { ran = append(ran, "kept"); return nil },
	})

	r.Unregister(id)
	r.EmitTurnStart(testCtx())

	if len(ran) != 1 || ran[0] != "kept" {
		t.Errorf("ran = %v, want [kept]", ran)
	}
}

func TestEmitAfterCloseRunsInline(t *testing.T) {
	r := NewRunner(nil)

	var ran bool
	r.Register(&Hook{
		Name:              "late",
		OnSessionShutdown: func(hc *Context) error { ran = true; return nil },
	})

	r.Close()
	r.EmitSessionShutdown(testCtx())
	if !ran {
		t.Error("post-close emission did not run handlers")
	}
}

func TestRegisteredExtrasAggregateInOrder(t *testing.T) {
	r := newTestRunner(t)

	r.Register(&Hook{
		Name:  "a",
		Tools: []tools.Tool{tools.Func{Def: ai.ToolDefinition{Name: "tool-a"}}},
		Commands: []Command{
			{Name: "cmd-a"},
		},
	})
	r.Register(&Hook{
		Name:      "b",
		Tools:     []tools.Tool{tools.Func{Def: ai.ToolDefinition{Name: "tool-b"}}},
		Renderers: []Renderer{{CustomType: "render-b"}},
	})

	ts := r.RegisteredTools()
	if len(ts) != 2 || ts[0].Definition().Name != "tool-a" || ts[1].Definition().Name != "tool-b" {
		t.Errorf("tools misordered: %v", ts)
	}
	cmds := r.RegisteredCommands()
	if len(cmds) != 1 || cmds[0].Name != "cmd-a" {
		t.Errorf("commands = %v", cmds)
	}
	rnds := r.RegisteredRenderers()
	if len(rnds) != 1 || rnds[0].CustomType != "render-b" {
		t.Errorf("renderers = %v", rnds)
	}
}
