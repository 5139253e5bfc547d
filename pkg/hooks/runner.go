package hooks

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// Runner owns the registered hooks and dispatches events to them. All
// handlers run on a single dispatcher goroutine, so within one runner
// handlers never race each other; emitters block until their event has been
// fully handled.
type Runner struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool

	regMu sync.RWMutex
	regs  []registration

	logger *slog.Logger
	errs   chan HookError
	done   chan struct{}
}

type registration struct {
	id   string
	hook *Hook
}

type job struct {
	run  func()
	done chan struct{}
}

// NewRunner starts the dispatcher goroutine. Close releases it.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		logger: logger,
		errs:   make(chan HookError, 64),
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

func (r *Runner) dispatch() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		j := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		j.run()
		close(j.done)
	}
}

// submit queues run on the dispatcher and blocks until it has executed.
// After Close the job runs inline on the caller's goroutine so shutdown-time
// emissions still land.
func (r *Runner) submit(run func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		run()
		return
	}
	j := job{run: run, done: make(chan struct{})}
	r.queue = append(r.queue, j)
	r.cond.Signal()
	r.mu.Unlock()
	<-j.done
}

// Close drains pending jobs and stops the dispatcher. Safe to call once.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
}

// Errors exposes handler failures. The channel is buffered; when full,
// further errors are only logged.
func (r *Runner) Errors() <-chan HookError { return r.errs }

func (r *Runner) report(hook string, kind Kind, err error) {
	r.logger.Warn("hook handler failed", "hook", hook, "event", string(kind), "error", err)
	select {
	case r.errs <- HookError{Hook: hook, Event: kind, Err: err}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Register adds h and returns an id usable with Unregister. Events reach
// hooks in registration order.
func (r *Runner) Register(h *Hook) string {
	id := uuid.NewString()
	r.regMu.Lock()
	r.regs = append(r.regs, registration{id: id, hook: h})
	r.regMu.Unlock()
	return id
}

// Unregister removes the hook registered under id. Unknown ids are ignored.
func (r *Runner) Unregister(id string) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	for i, reg := range r.regs {
		if reg.id == id {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return
		}
	}
}

func (r *Runner) snapshot() []registration {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	out := make([]registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// Names lists registered hook names in registration order.
func (r *Runner) Names() []string {
	regs := r.snapshot()
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.hook.Name)
	}
	return names
}

// RegisteredTools aggregates every hook-provided tool in registration order.
func (r *Runner) RegisteredTools() []tools.Tool {
	var out []tools.Tool
	for _, reg := range r.snapshot() {
		out = append(out, reg.hook.Tools...)
	}
	return out
}

// RegisteredCommands aggregates hook-provided slash commands.
func (r *Runner) RegisteredCommands() []Command {
	var out []Command
	for _, reg := range r.snapshot() {
		out = append(out, reg.hook.Commands...)
	}
	return out
}

// RegisteredRenderers aggregates hook-provided message renderers.
func (r *Runner) RegisteredRenderers() []Renderer {
	var out []Renderer
	for _, reg := range r.snapshot() {
		out = append(out, reg.hook.Renderers...)
	}
	return out
}

// call runs fn with panic recovery and reports any failure.
func (r *Runner) call(hook string, kind Kind, fn func() error) {
	if err := r.callErr(hook, kind, fn); err != nil {
		r.report(hook, kind, err)
	}
}

// callErr runs fn with panic recovery and returns the failure instead of
// only reporting it. Used where the caller must observe handler errors.
func (r *Runner) callErr(hook string, kind Kind, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (r *Runner) EmitAppStart(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnAppStart != nil {
				r.call(h.Name, KindAppStart, func() error { return h.OnAppStart(hc) })
			}
		}
	})
}

func (r *Runner) EmitSessionStart(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnSessionStart != nil {
				r.call(h.Name, KindSessionStart, func() error { return h.OnSessionStart(hc) })
			}
		}
	})
}

func (r *Runner) EmitSessionResume(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnSessionResume != nil {
				r.call(h.Name, KindSessionResume, func() error { return h.OnSessionResume(hc) })
			}
		}
	})
}

func (r *Runner) EmitSessionClear(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnSessionClear != nil {
				r.call(h.Name, KindSessionClear, func() error { return h.OnSessionClear(hc) })
			}
		}
	})
}

func (r *Runner) EmitSessionShutdown(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnSessionShutdown != nil {
				r.call(h.Name, KindSessionShutdown, func() error { return h.OnSessionShutdown(hc) })
			}
		}
	})
}

func (r *Runner) EmitSessionCompact(hc *Context, info CompactInfo) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnSessionCompact != nil {
				r.call(h.Name, KindSessionCompact, func() error { return h.OnSessionCompact(hc, info) })
			}
		}
	})
}

func (r *Runner) EmitAgentStart(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnAgentStart != nil {
				r.call(h.Name, KindAgentStart, func() error { return h.OnAgentStart(hc) })
			}
		}
	})
}

// EmitAgentEnd clones newMessages once so handlers cannot corrupt the
// caller's conversation.
func (r *Runner) EmitAgentEnd(hc *Context, newMessages []ai.Message) {
	cloned := ai.CloneMessages(newMessages)
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnAgentEnd != nil {
				r.call(h.Name, KindAgentEnd, func() error { return h.OnAgentEnd(hc, cloned) })
			}
		}
	})
}

func (r *Runner) EmitTurnStart(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnTurnStart != nil {
				r.call(h.Name, KindTurnStart, func() error { return h.OnTurnStart(hc) })
			}
		}
	})
}

func (r *Runner) EmitTurnEnd(hc *Context) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.OnTurnEnd != nil {
				r.call(h.Name, KindTurnEnd, func() error { return h.OnTurnEnd(hc) })
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// TransformSystemPrompt threads prompt through every subscriber; each
// handler receives the previous handler's output. A failing handler is
// skipped.
func (r *Runner) TransformSystemPrompt(hc *Context, prompt string) string {
	out := prompt
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.TransformSystemPrompt == nil {
				continue
			}
			cur := out
			err := r.callErr(h.Name, KindChatSystemTransform, func() error {
				next, err := h.TransformSystemPrompt(hc, cur)
				if err != nil {
					return err
				}
				out = next
				return nil
			})
			if err != nil {
				r.report(h.Name, KindChatSystemTransform, err)
			}
		}
	})
	return out
}

// AdjustParams lets handlers mutate the stream options in place. Later
// handlers observe earlier writes.
func (r *Runner) AdjustParams(hc *Context, opts *ai.StreamOptions) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.AdjustParams != nil {
				r.call(h.Name, KindChatParams, func() error { return h.AdjustParams(hc, opts) })
			}
		}
	})
}

// GetAuth asks handlers for an API key. The last handler returning a
// non-empty key wins; "" means no hook supplied one.
func (r *Runner) GetAuth(hc *Context, provider string) string {
	var key string
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.GetAuth == nil {
				continue
			}
			err := r.callErr(h.Name, KindAuthGet, func() error {
				k, err := h.GetAuth(hc, provider)
				if err != nil {
					return err
				}
				if k != "" {
					key = k
				}
				return nil
			})
			if err != nil {
				r.report(h.Name, KindAuthGet, err)
			}
		}
	})
	return key
}

// ResolveModel lets handlers rewrite the provider/model pair in place.
func (r *Runner) ResolveModel(hc *Context, choice *ModelChoice) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.ResolveModel != nil {
				r.call(h.Name, KindModelResolve, func() error { return h.ResolveModel(hc, choice) })
			}
		}
	})
}

// BuildMessage lets handlers rewrite the outgoing user message draft.
func (r *Runner) BuildMessage(hc *Context, draft *MessageDraft) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.BuildMessage != nil {
				r.call(h.Name, KindChatMessage, func() error { return h.BuildMessage(hc, draft) })
			}
		}
	})
}

// TransformMessages deep-clones msgs once, then pipes the clone through
// every subscriber; each handler's output feeds the next. A failing handler
// is skipped and the pipeline continues with the previous list.
func (r *Runner) TransformMessages(hc *Context, msgs []ai.Message) []ai.Message {
	out := ai.CloneMessages(msgs)
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.TransformMessages == nil {
				continue
			}
			cur := out
			err := r.callErr(h.Name, KindChatMessagesTransform, func() error {
				next, err := h.TransformMessages(hc, cur)
				if err != nil {
					return err
				}
				if next != nil {
					out = next
				}
				return nil
			})
			if err != nil {
				r.report(h.Name, KindChatMessagesTransform, err)
			}
		}
	})
	return out
}

// ---------------------------------------------------------------------------
// Tool gatekeeping
// ---------------------------------------------------------------------------

// GateDecision is the aggregate outcome of tool.execute.before.
type GateDecision struct {
	Blocked bool
	Reason  string
	// Args is the effective argument map after any ReplaceArgs, valid only
	// when the call was not blocked.
	Args map[string]any
}

// GateToolExecute runs the before-execute gate. The first handler that
// blocks wins immediately. Handler errors and panics fail closed: the call
// is blocked and the error is returned.
func (r *Runner) GateToolExecute(hc *Context, toolName, callID string, args map[string]any) (GateDecision, error) {
	ev := &ToolExecuteEvent{ToolName: toolName, CallID: callID, Args: args}
	dec := GateDecision{Args: args}
	var gateErr error
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.BeforeToolExecute == nil {
				continue
			}
			var res *GateResult
			err := r.callErr(h.Name, KindToolExecuteBefore, func() error {
				var err error
				res, err = h.BeforeToolExecute(hc, ev)
				return err
			})
			if err != nil {
				r.report(h.Name, KindToolExecuteBefore, err)
				dec.Blocked = true
				dec.Reason = fmt.Sprintf("hook %s failed", h.Name)
				gateErr = err
				return
			}
			if res == nil {
				continue
			}
			if res.Block {
				dec.Blocked = true
				dec.Reason = res.Reason
				if dec.Reason == "" {
					dec.Reason = fmt.Sprintf("blocked by hook %s", h.Name)
				}
				return
			}
			if res.ReplaceArgs != nil {
				ev.Args = res.ReplaceArgs
				dec.Args = res.ReplaceArgs
			}
		}
	})
	return dec, gateErr
}

// MergeToolResult runs the after-execute hooks; handlers mutate res in
// place and later handlers observe earlier patches. Failures are reported
// and skipped so one hook cannot eat a tool result.
func (r *Runner) MergeToolResult(hc *Context, toolName, callID string, args map[string]any, res *tools.Result) {
	ev := &ToolExecuteEvent{ToolName: toolName, CallID: callID, Args: args}
	r.submit(func() {
		for _, reg := range r.snapshot() {
			if h := reg.hook; h.AfterToolExecute != nil {
				r.call(h.Name, KindToolExecuteAfter, func() error { return h.AfterToolExecute(hc, ev, res) })
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Prompt-start and compaction
// ---------------------------------------------------------------------------

// BeforeAgentStart asks hooks for a start-of-prompt message. The first
// non-nil result wins; later handlers still run for side effects but cannot
// override it.
func (r *Runner) BeforeAgentStart(hc *Context) *BeforeStartResult {
	var winner *BeforeStartResult
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.BeforeAgentStart == nil {
				continue
			}
			err := r.callErr(h.Name, KindAgentBeforeStart, func() error {
				res, err := h.BeforeAgentStart(hc)
				if err != nil {
					return err
				}
				if res != nil && winner == nil {
					winner = res
				}
				return nil
			})
			if err != nil {
				r.report(h.Name, KindAgentBeforeStart, err)
			}
		}
	})
	return winner
}

// BeforeCompact gives hooks a veto over a pending compaction. Cancel is
// sticky; Instructions are last-writer-wins.
func (r *Runner) BeforeCompact(hc *Context, req *CompactRequest) {
	r.submit(func() {
		for _, reg := range r.snapshot() {
			h := reg.hook
			if h.BeforeCompact == nil {
				continue
			}
			canceled := req.Cancel
			r.call(h.Name, KindSessionBeforeCompact, func() error { return h.BeforeCompact(hc, req) })
			if canceled {
				req.Cancel = true
			}
		}
	})
}
