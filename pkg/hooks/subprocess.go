package hooks

// Subprocess hook protocol
//
// A subprocess hook is a standalone executable declared by a hook.yaml
// manifest. The runner launches it once and speaks JSON lines over
// stdin/stdout:
//
//  1. On startup the host sends:
//       {"type":"describe"}
//     and the hook replies with its identity:
//       {"name":"..."}
//
//  2. For each subscribed event the host sends:
//       {"type":"event","id":1,"event":"tool.execute.before","payload":{...}}
//     and the hook replies:
//       {"id":1,"result":{...}}
//     An empty or absent result means "no change". Slash-command
//     invocations arrive as event "command.invoke" with payload
//     {"name","args"}; renderer requests as event "message.render" with
//     payload {"customType","text"}.
//
//  3. For each call to a manifest-declared tool the host sends:
//       {"type":"call","id":2,"tool":"...","callId":"...","params":{...}}
//     and the hook replies:
//       {"id":2,"result":{"text":"...","details":...,"isError":false}}
//
//  4. On close the host sends {"type":"shutdown"} and waits briefly for
//     the process to exit before killing it.
//
// Replies may arrive out of order; the id correlates them. stderr is
// forwarded to the host logger.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// requestTimeout bounds one protocol round trip.
const requestTimeout = 30 * time.Second

type hostRequest struct {
	Type    string         `json:"type"`
	ID      int64          `json:"id,omitempty"`
	Event   string         `json:"event,omitempty"`
	Payload any            `json:"payload,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	CallID  string         `json:"callId,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

type hostResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Host drives one JSON-lines peer. It is transport-agnostic so tests can
// run it over an io.Pipe instead of a real process.
type Host struct {
	name   string
	logger *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	seq     atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan hostResponse
	closed  bool

	readDone chan struct{}
}

// NewHost starts the read loop over r and writes requests to w.
func NewHost(name string, w io.Writer, r io.Reader, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Host{
		name:     name,
		logger:   logger,
		w:        w,
		pending:  make(map[int64]chan hostResponse),
		readDone: make(chan struct{}),
	}
	go h.readLoop(r)
	return h
}

func (h *Host) readLoop(r io.Reader) {
	defer close(h.readDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp hostResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			h.logger.Warn("hook sent malformed line", "hook", h.name, "error", err)
			continue
		}
		h.mu.Lock()
		ch, ok := h.pending[resp.ID]
		if ok {
			delete(h.pending, resp.ID)
		}
		h.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	// Reader gone: fail everything still in flight.
	h.mu.Lock()
	h.closed = true
	for id, ch := range h.pending {
		delete(h.pending, id)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Host) write(req hostRequest) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = h.w.Write(append(data, '\n'))
	return err
}

// request sends req with a fresh id and waits for the matching reply.
func (h *Host) request(ctx context.Context, req hostRequest) (json.RawMessage, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("hook %s: connection closed", h.name)
	}
	id := h.seq.Add(1)
	ch := make(chan hostResponse, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	req.ID = id
	if err := h.write(req); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, fmt.Errorf("hook %s: write: %w", h.name, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("hook %s: connection closed", h.name)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("hook %s: %s", h.name, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		h.drop(id)
		return nil, ctx.Err()
	case <-timer.C:
		h.drop(id)
		return nil, fmt.Errorf("hook %s: request timed out", h.name)
	}
}

func (h *Host) drop(id int64) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// notify sends req without waiting for a reply.
func (h *Host) notify(req hostRequest) {
	if err := h.write(req); err != nil {
		h.logger.Debug("hook notify failed", "hook", h.name, "error", err)
	}
}

// Close sends shutdown and stops accepting requests. The read loop ends
// when the peer closes its side.
func (h *Host) Close() {
	h.notify(hostRequest{Type: "shutdown"})
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Process lifecycle
// ---------------------------------------------------------------------------

// Subprocess is a manifest-declared hook running as a child process.
type Subprocess struct {
	Manifest *Manifest

	cmd    *exec.Cmd
	host   *Host
	stdin  io.WriteCloser
	logger *slog.Logger
}

// StartProcess launches the manifest's command and performs the describe
// handshake. The process stays alive until Close.
func StartProcess(m *Manifest, logger *slog.Logger) (*Subprocess, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cmd := exec.Command(m.CommandPath(), m.Command.Args...)
	cmd.Dir = m.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hook %s: stdin pipe: %w", m.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("hook %s: stdout pipe: %w", m.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("hook %s: stderr pipe: %w", m.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("hook %s: start: %w", m.Name, err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug("hook stderr", "hook", m.Name, "line", sc.Text())
		}
	}()

	p := &Subprocess{
		Manifest: m,
		cmd:      cmd,
		stdin:    stdin,
		host:     NewHost(m.Name, stdin, stdout, logger),
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := p.host.request(ctx, hostRequest{Type: "describe"})
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("hook %s: describe: %w", m.Name, err)
	}
	var ident struct {
		Name string `json:"name"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ident); err == nil && ident.Name != "" && ident.Name != m.Name {
			logger.Warn("hook identity mismatch", "manifest", m.Name, "reported", ident.Name)
		}
	}
	return p, nil
}

// Close asks the process to exit and kills it if it lingers.
func (p *Subprocess) Close() {
	p.host.Close()
	_ = p.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.kill()
		<-done
	}
}

func (p *Subprocess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// ---------------------------------------------------------------------------
// Hook adapter
// ---------------------------------------------------------------------------

// wire shapes for event replies. Pointer fields distinguish "absent" from
// zero values.
type promptWire struct {
	Prompt *string `json:"prompt"`
}

type paramsWire struct {
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	ThinkingLevel *string  `json:"thinkingLevel,omitempty"`
}

type authWire struct {
	APIKey string `json:"apiKey"`
}

type draftWire struct {
	Text        *string         `json:"text"`
	Attachments []ai.Attachment `json:"attachments"`
}

type messagesWire struct {
	Messages []json.RawMessage `json:"messages"`
}

type resultWire struct {
	Text    *string `json:"text"`
	Details any     `json:"details"`
	IsError *bool   `json:"isError"`
}

type startWire struct {
	Message *struct {
		CustomType string `json:"customType"`
		Text       string `json:"text"`
		Details    any    `json:"details"`
	} `json:"message"`
}

// Hook builds the in-process adapter: one forwarding handler per manifest
// event, plus forwarding tools, commands, and renderers.
func (p *Subprocess) Hook() *Hook {
	h := &Hook{Name: p.Manifest.Name}
	subscribed := make(map[Kind]bool, len(p.Manifest.Events))
	for _, ev := range p.Manifest.Events {
		subscribed[Kind(ev)] = true
	}

	notify := func(kind Kind, payload any) func(hc *Context) error {
		return func(hc *Context) error {
			_, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(kind), Payload: payload})
			return err
		}
	}

	if subscribed[KindAppStart] {
		h.OnAppStart = notify(KindAppStart, nil)
	}
	if subscribed[KindSessionStart] {
		h.OnSessionStart = func(hc *Context) error {
			return p.notifySession(hc, KindSessionStart)
		}
	}
	if subscribed[KindSessionResume] {
		h.OnSessionResume = func(hc *Context) error {
			return p.notifySession(hc, KindSessionResume)
		}
	}
	if subscribed[KindSessionClear] {
		h.OnSessionClear = notify(KindSessionClear, nil)
	}
	if subscribed[KindSessionShutdown] {
		h.OnSessionShutdown = notify(KindSessionShutdown, nil)
	}
	if subscribed[KindSessionCompact] {
		h.OnSessionCompact = func(hc *Context, info CompactInfo) error {
			_, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindSessionCompact), Payload: info})
			return err
		}
	}
	if subscribed[KindAgentStart] {
		h.OnAgentStart = notify(KindAgentStart, nil)
	}
	if subscribed[KindAgentEnd] {
		h.OnAgentEnd = func(hc *Context, newMessages []ai.Message) error {
			raws, err := marshalWireMessages(newMessages)
			if err != nil {
				return err
			}
			_, err = p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindAgentEnd), Payload: messagesWire{Messages: raws}})
			return err
		}
	}
	if subscribed[KindTurnStart] {
		h.OnTurnStart = notify(KindTurnStart, nil)
	}
	if subscribed[KindTurnEnd] {
		h.OnTurnEnd = notify(KindTurnEnd, nil)
	}

	if subscribed[KindChatSystemTransform] {
		h.TransformSystemPrompt = func(hc *Context, prompt string) (string, error) {
			raw, err := p.host.request(hc.Ctx, hostRequest{
				Type: "event", Event: string(KindChatSystemTransform),
				Payload: map[string]string{"prompt": prompt},
			})
			if err != nil {
				return "", err
			}
			var out promptWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return "", err
				}
			}
			if out.Prompt != nil {
				return *out.Prompt, nil
			}
			return prompt, nil
		}
	}
	if subscribed[KindChatParams] {
		h.AdjustParams = func(hc *Context, opts *ai.StreamOptions) error {
			payload := paramsWire{ThinkingLevel: strPtr(string(opts.ThinkingLevel))}
			if opts.MaxTokens > 0 {
				payload.MaxTokens = &opts.MaxTokens
			}
			payload.Temperature = opts.Temperature
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindChatParams), Payload: payload})
			if err != nil {
				return err
			}
			var out paramsWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			if out.MaxTokens != nil {
				opts.MaxTokens = *out.MaxTokens
			}
			if out.Temperature != nil {
				opts.Temperature = out.Temperature
			}
			if out.ThinkingLevel != nil {
				opts.ThinkingLevel = ai.ThinkingLevel(*out.ThinkingLevel)
			}
			return nil
		}
	}
	if subscribed[KindAuthGet] {
		h.GetAuth = func(hc *Context, provider string) (string, error) {
			raw, err := p.host.request(hc.Ctx, hostRequest{
				Type: "event", Event: string(KindAuthGet),
				Payload: map[string]string{"provider": provider},
			})
			if err != nil {
				return "", err
			}
			var out authWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return "", err
				}
			}
			return out.APIKey, nil
		}
	}
	if subscribed[KindModelResolve] {
		h.ResolveModel = func(hc *Context, choice *ModelChoice) error {
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindModelResolve), Payload: choice})
			if err != nil {
				return err
			}
			var out ModelChoice
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			if out.Provider != "" {
				choice.Provider = out.Provider
			}
			if out.Model != "" {
				choice.Model = out.Model
			}
			return nil
		}
	}
	if subscribed[KindChatMessage] {
		h.BuildMessage = func(hc *Context, draft *MessageDraft) error {
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindChatMessage), Payload: draft})
			if err != nil {
				return err
			}
			var out draftWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			if out.Text != nil {
				draft.Text = *out.Text
			}
			if out.Attachments != nil {
				draft.Attachments = out.Attachments
			}
			return nil
		}
	}
	if subscribed[KindChatMessagesTransform] {
		h.TransformMessages = func(hc *Context, msgs []ai.Message) ([]ai.Message, error) {
			raws, err := marshalWireMessages(msgs)
			if err != nil {
				return nil, err
			}
			raw, err := p.host.request(hc.Ctx, hostRequest{
				Type: "event", Event: string(KindChatMessagesTransform),
				Payload: messagesWire{Messages: raws},
			})
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 {
				return msgs, nil
			}
			var out messagesWire
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			if out.Messages == nil {
				return msgs, nil
			}
			return unmarshalWireMessages(out.Messages)
		}
	}
	if subscribed[KindToolExecuteBefore] {
		h.BeforeToolExecute = func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error) {
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindToolExecuteBefore), Payload: ev})
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 {
				return nil, nil
			}
			var out GateResult
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			return &out, nil
		}
	}
	if subscribed[KindToolExecuteAfter] {
		h.AfterToolExecute = func(hc *Context, ev *ToolExecuteEvent, res *tools.Result) error {
			payload := map[string]any{
				"tool":    ev.ToolName,
				"callId":  ev.CallID,
				"args":    ev.Args,
				"text":    blocksText(res.Content),
				"isError": res.IsError,
			}
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindToolExecuteAfter), Payload: payload})
			if err != nil {
				return err
			}
			var out resultWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			if out.Text != nil {
				res.Content = []ai.ContentBlock{ai.TextContent{Text: *out.Text}}
			}
			if out.Details != nil {
				res.Details = out.Details
			}
			if out.IsError != nil {
				res.IsError = *out.IsError
			}
			return nil
		}
	}
	if subscribed[KindAgentBeforeStart] {
		h.BeforeAgentStart = func(hc *Context) (*BeforeStartResult, error) {
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindAgentBeforeStart)})
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 {
				return nil, nil
			}
			var out startWire
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, err
			}
			if out.Message == nil {
				return nil, nil
			}
			return &BeforeStartResult{Message: &ai.HookMessage{
				Role:       ai.RoleHookMessage,
				CustomType: out.Message.CustomType,
				Content:    []ai.ContentBlock{ai.TextContent{Text: out.Message.Text}},
				Details:    out.Message.Details,
				Timestamp:  session.Now(),
			}}, nil
		}
	}
	if subscribed[KindSessionBeforeCompact] {
		h.BeforeCompact = func(hc *Context, req *CompactRequest) error {
			raw, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(KindSessionBeforeCompact), Payload: req})
			if err != nil {
				return err
			}
			var out CompactRequest
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return err
				}
			}
			if out.Cancel {
				req.Cancel = true
			}
			if out.Instructions != "" {
				req.Instructions = out.Instructions
			}
			return nil
		}
	}

	for _, tm := range p.Manifest.Tools {
		h.Tools = append(h.Tools, p.forwardingTool(tm))
	}
	for _, cm := range p.Manifest.Commands {
		name := cm.Name
		h.Commands = append(h.Commands, Command{
			Name:        cm.Name,
			Description: cm.Description,
			Run: func(hc *Context, args string) error {
				_, err := p.host.request(hc.Ctx, hostRequest{
					Type: "event", Event: "command.invoke",
					Payload: map[string]string{"name": name, "args": args},
				})
				return err
			},
		})
	}
	for _, rm := range p.Manifest.Renderers {
		customType := rm.CustomType
		h.Renderers = append(h.Renderers, Renderer{
			CustomType: customType,
			Render: func(msg ai.HookMessage) string {
				raw, err := p.host.request(context.Background(), hostRequest{
					Type: "event", Event: "message.render",
					Payload: map[string]any{"customType": customType, "text": blocksText(msg.Content), "details": msg.Details},
				})
				if err != nil {
					return ""
				}
				var out struct {
					Text string `json:"text"`
				}
				if len(raw) > 0 && json.Unmarshal(raw, &out) == nil {
					return out.Text
				}
				return ""
			},
		})
	}
	return h
}

func (p *Subprocess) notifySession(hc *Context, kind Kind) error {
	payload := map[string]string{"sessionId": hc.SessionID, "cwd": hc.Cwd}
	_, err := p.host.request(hc.Ctx, hostRequest{Type: "event", Event: string(kind), Payload: payload})
	return err
}

// forwardingTool exposes a manifest-declared tool that executes over the
// call channel. Calls to one subprocess are serialised by the host's write
// lock but correlated by id, so slow tools do not block events.
func (p *Subprocess) forwardingTool(tm ToolManifest) tools.Tool {
	params := json.RawMessage(nil)
	if tm.Parameters != nil {
		if raw, err := json.Marshal(tm.Parameters); err == nil {
			params = raw
		}
	}
	def := ai.ToolDefinition{Name: tm.Name, Description: tm.Description, Parameters: params}
	return &tools.Func{
		Def: def,
		Fn: func(ctx context.Context, callID string, args map[string]any, updates chan<- tools.Result) (tools.Result, error) {
			raw, err := p.host.request(ctx, hostRequest{Type: "call", Tool: tm.Name, CallID: callID, Params: args})
			if err != nil {
				return tools.ErrorResult(err), err
			}
			var out resultWire
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return tools.ErrorResult(err), fmt.Errorf("hook %s: tool %s: decode result: %w", p.Manifest.Name, tm.Name, err)
				}
			}
			res := tools.Result{Details: out.Details}
			if out.Text != nil {
				res.Content = []ai.ContentBlock{ai.TextContent{Text: *out.Text}}
			}
			if out.IsError != nil {
				res.IsError = *out.IsError
			}
			return res, nil
		},
	}
}

func marshalWireMessages(msgs []ai.Message) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		raw, err := ai.MarshalMessage(m)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func unmarshalWireMessages(raws []json.RawMessage) ([]ai.Message, error) {
	out := make([]ai.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := ai.UnmarshalMessage(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func blocksText(blocks []ai.ContentBlock) string {
	var s string
	for _, b := range blocks {
		if tc, ok := b.(ai.TextContent); ok {
			if s != "" {
				s += "\n"
			}
			s += tc.Text
		}
	}
	return s
}

func strPtr(s string) *string { return &s }
