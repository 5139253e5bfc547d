package hooks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// scriptedPeer runs a fake hook process over pipes. respond inspects each
// request and returns the raw result (nil = empty result) or an error
// string.
func scriptedPeer(t *testing.T, respond func(req hostRequest) (any, string)) *Host {
	t.Helper()
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()

	go func() {
		defer fromPeerW.Close()
		sc := bufio.NewScanner(toPeerR)
		for sc.Scan() {
			var req hostRequest
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			if req.Type == "shutdown" {
				return
			}
			result, errStr := respond(req)
			resp := map[string]any{"id": req.ID}
			if errStr != "" {
				resp["error"] = errStr
			} else if result != nil {
				resp["result"] = result
			}
			data, _ := json.Marshal(resp)
			if _, err := fromPeerW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()

	h := NewHost("scripted", toPeerW, fromPeerR, nil)
	t.Cleanup(func() {
		h.Close()
		toPeerW.Close()
	})
	return h
}

func TestHostRequestRoundTrip(t *testing.T) {
	h := scriptedPeer(t, func(req hostRequest) (any, string) {
		if req.Type != "event" || req.Event != "turn.start" {
			t.Errorf("unexpected request %+v", req)
		}
		return map[string]string{"ok": "yes"}, ""
	})

	raw, err := h.request(context.Background(), hostRequest{Type: "event", Event: "turn.start"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out struct {
		OK string `json:"ok"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.OK != "yes" {
		t.Errorf("result = %s", raw)
	}
}

func TestHostCorrelatesOutOfOrderReplies(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()

	// Collect both requests, then answer them in reverse order.
	go func() {
		sc := bufio.NewScanner(toPeerR)
		var reqs []hostRequest
		for sc.Scan() {
			var req hostRequest
			if json.Unmarshal(sc.Bytes(), &req) != nil || req.Type == "shutdown" {
				continue
			}
			reqs = append(reqs, req)
			if len(reqs) == 2 {
				break
			}
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			data, _ := json.Marshal(map[string]any{
				"id":     reqs[i].ID,
				"result": map[string]string{"echo": reqs[i].Event},
			})
			fromPeerW.Write(append(data, '\n'))
		}
	}()

	h := NewHost("reorder", toPeerW, fromPeerR, nil)
	t.Cleanup(func() { toPeerW.Close(); h.Close(); fromPeerW.Close() })

	type res struct {
		event string
		raw   json.RawMessage
		err   error
	}
	results := make(chan res, 2)
	for _, ev := range []string{"turn.start", "turn.end"} {
		ev := ev
		go func() {
			raw, err := h.request(context.Background(), hostRequest{Type: "event", Event: ev})
			results <- res{event: ev, raw: raw, err: err}
		}()
	}

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("request %s: %v", r.event, r.err)
		}
		var out struct {
			Echo string `json:"echo"`
		}
		if err := json.Unmarshal(r.raw, &out); err != nil || out.Echo != r.event {
			t.Errorf("request %s got reply for %q", r.event, out.Echo)
		}
	}
}

func TestHostErrorResponse(t *testing.T) {
	h := scriptedPeer(t, func(req hostRequest) (any, string) {
		return nil, "boom"
	})

	_, err := h.request(context.Background(), hostRequest{Type: "event", Event: "turn.start"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want the peer's error", err)
	}
}

func TestHostPeerDisconnectFailsPending(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()

	go func() {
		sc := bufio.NewScanner(toPeerR)
		sc.Scan() // swallow one request, then hang up
		fromPeerW.Close()
	}()

	h := NewHost("drop", toPeerW, fromPeerR, nil)
	t.Cleanup(func() { toPeerW.Close() })

	_, err := h.request(context.Background(), hostRequest{Type: "event", Event: "turn.start"})
	if err == nil || !strings.Contains(err.Error(), "connection closed") {
		t.Fatalf("err = %v, want connection closed", err)
	}
}

func TestHostRequestHonoursContext(t *testing.T) {
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, _ := io.Pipe()
	go func() {
		sc := bufio.NewScanner(toPeerR)
		for sc.Scan() {
		} // never reply
	}()

	h := NewHost("mute", toPeerW, fromPeerR, nil)
	t.Cleanup(func() { toPeerW.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.request(ctx, hostRequest{Type: "event", Event: "turn.start"})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// subprocessFor wires a scripted peer behind the Hook adapter without a
// real child process.
func subprocessFor(t *testing.T, m *Manifest, respond func(req hostRequest) (any, string)) *Subprocess {
	t.Helper()
	return &Subprocess{Manifest: m, host: scriptedPeer(t, respond)}
}

func TestSubprocessHookTransformsSystemPrompt(t *testing.T) {
	m := &Manifest{Name: "prompter", Events: []string{string(KindChatSystemTransform)}}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) {
		var payload struct {
			Prompt string `json:"prompt"`
		}
		raw, _ := json.Marshal(req.Payload)
		json.Unmarshal(raw, &payload)
		return map[string]string{"prompt": payload.Prompt + " [hooked]"}, ""
	})

	h := p.Hook()
	if h.TransformSystemPrompt == nil {
		t.Fatal("handler not wired from manifest events")
	}
	got, err := h.TransformSystemPrompt(testCtx(), "base")
	if err != nil {
		t.Fatalf("TransformSystemPrompt: %v", err)
	}
	if got != "base [hooked]" {
		t.Errorf("prompt = %q", got)
	}
}

func TestSubprocessHookOnlyWiresSubscribedEvents(t *testing.T) {
	m := &Manifest{Name: "narrow", Events: []string{string(KindTurnStart)}}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) { return nil, "" })

	h := p.Hook()
	if h.OnTurnStart == nil {
		t.Error("subscribed event not wired")
	}
	if h.OnTurnEnd != nil || h.TransformSystemPrompt != nil || h.BeforeToolExecute != nil {
		t.Error("unsubscribed events wired")
	}
}

func TestSubprocessGateBlocks(t *testing.T) {
	m := &Manifest{Name: "guard", Events: []string{string(KindToolExecuteBefore)}}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) {
		return map[string]any{"block": true, "reason": "forbidden path"}, ""
	})

	res, err := p.Hook().BeforeToolExecute(testCtx(), &ToolExecuteEvent{ToolName: "write", CallID: "c1"})
	if err != nil {
		t.Fatalf("BeforeToolExecute: %v", err)
	}
	if res == nil || !res.Block || res.Reason != "forbidden path" {
		t.Errorf("res = %+v", res)
	}
}

func TestSubprocessForwardingTool(t *testing.T) {
	m := &Manifest{
		Name:  "toolbox",
		Tools: []ToolManifest{{Name: "lookup", Description: "find things", Parameters: map[string]any{"type": "object"}}},
	}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) {
		if req.Type != "call" || req.Tool != "lookup" || req.CallID != "c9" {
			return nil, fmt.Sprintf("unexpected request %+v", req)
		}
		return map[string]any{"text": "found: " + req.Params["q"].(string)}, ""
	})

	hookTools := p.Hook().Tools
	if len(hookTools) != 1 {
		t.Fatalf("got %d tools", len(hookTools))
	}
	def := hookTools[0].Definition()
	if def.Name != "lookup" || def.Description != "find things" {
		t.Errorf("definition = %+v", def)
	}

	res, err := hookTools[0].Execute(context.Background(), "c9", map[string]any{"q": "needle"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := blocksText(res.Content); got != "found: needle" {
		t.Errorf("content = %q", got)
	}
	if res.IsError {
		t.Error("unexpected IsError")
	}
}

func TestSubprocessBeforeAgentStartBuildsHookMessage(t *testing.T) {
	m := &Manifest{Name: "greeter", Events: []string{string(KindAgentBeforeStart)}}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) {
		return map[string]any{"message": map[string]any{"customType": "greeting", "text": "hello"}}, ""
	})

	res, err := p.Hook().BeforeAgentStart(testCtx())
	if err != nil {
		t.Fatalf("BeforeAgentStart: %v", err)
	}
	if res == nil || res.Message == nil {
		t.Fatal("expected a message")
	}
	if res.Message.CustomType != "greeting" {
		t.Errorf("customType = %q", res.Message.CustomType)
	}
	if res.Message.GetRole() != ai.RoleHookMessage {
		t.Errorf("role = %q", res.Message.GetRole())
	}
	if got := blocksText(res.Message.Content); got != "hello" {
		t.Errorf("text = %q", got)
	}
}

func TestSubprocessMessagesTransformRoundTrip(t *testing.T) {
	m := &Manifest{Name: "rewriter", Events: []string{string(KindChatMessagesTransform)}}
	p := subprocessFor(t, m, func(req hostRequest) (any, string) {
		raw, _ := json.Marshal(req.Payload)
		var in messagesWire
		json.Unmarshal(raw, &in)
		// Drop everything but the first message.
		return messagesWire{Messages: in.Messages[:1]}, ""
	})

	msgs := []ai.Message{
		ai.UserMessage{Role: ai.RoleUser, Content: []ai.ContentBlock{ai.TextContent{Text: "one"}}},
		ai.UserMessage{Role: ai.RoleUser, Content: []ai.ContentBlock{ai.TextContent{Text: "two"}}},
	}
	out, err := p.Hook().TransformMessages(testCtx(), msgs)
	if err != nil {
		t.Fatalf("TransformMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	um, ok := out[0].(ai.UserMessage)
	if !ok || blocksText(um.Content) != "one" {
		t.Errorf("out[0] = %+v", out[0])
	}
}

func TestStartProcessDescribeAndClose(t *testing.T) {
	// cat echoes every request line back verbatim. The echo parses as a
	// response with the matching id and an empty result, which satisfies
	// describe and turns events into no-ops.
	m := &Manifest{
		Name:    "echo-hook",
		Events:  []string{string(KindTurnStart)},
		Command: ManifestCommand{Path: "/bin/cat"},
	}
	p, err := StartProcess(m, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer p.Close()

	h := p.Hook()
	if h.OnTurnStart == nil {
		t.Fatal("OnTurnStart not wired")
	}
	if err := h.OnTurnStart(testCtx()); err != nil {
		t.Errorf("OnTurnStart: %v", err)
	}
}
