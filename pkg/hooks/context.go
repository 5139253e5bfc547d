package hooks

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Context is the object every handler receives. The runtime assembles one
// per emission; hooks must not retain it past the handler call.
type Context struct {
	// Ctx carries the enclosing turn's cancellation. Handlers that do I/O
	// should honour it.
	Ctx context.Context

	// Cwd is the working directory of the session.
	Cwd string
	// SessionID is the active session UUID ("" before the first prompt).
	SessionID string
	// Model is the model currently selected for the agent.
	Model string

	// Session is a read-only view of the active session. May be nil.
	Session SessionView

	// UI lets hooks surface information in the embedding frontend. Never
	// nil; non-interactive runtimes install NoopUI.
	UI UIBridge

	// Bridge exposes runtime operations to the hook. Fields may be nil in
	// stripped-down contexts; the helper methods nil-guard.
	Bridge SessionBridge

	// Delivery funcs bound by the orchestrator. Nil when no queue exists.
	steer           func(text string)
	followUp        func(text string)
	sendUserMessage func(text string, deliverAs string)
	isIdle          func() bool
}

// UIBridge is the surface hooks use to talk to the frontend.
type UIBridge interface {
	// Notify shows a transient message. level is "info", "warn" or "error".
	Notify(level, text string)
	// SetStatus replaces the status-line text ("" clears it).
	SetStatus(text string)
}

// NoopUI satisfies UIBridge and drops everything.
type NoopUI struct{}

func (NoopUI) Notify(level, text string) {}
func (NoopUI) SetStatus(text string)     {}

// SessionBridge exposes runtime operations to hooks as optional funcs.
type SessionBridge struct {
	// Summarize triggers an explicit compaction of the current session.
	Summarize func(ctx context.Context) error
	// Toast shows a short notification via the adapter.
	Toast func(text string)
	// TokenUsage returns the estimated tokens in the current context.
	TokenUsage func() int
	// ContextLimit returns the model's context window (0 = unknown).
	ContextLimit func() int
	// NewSession clears the current session and starts fresh.
	NewSession func() error
	// Complete runs a one-shot, non-streaming LLM call outside the loop.
	Complete func(ctx context.Context, prompt string) (string, error)
}

// ---------------------------------------------------------------------------
// Delivery helpers
// ---------------------------------------------------------------------------

// Steer enqueues text as a steering prompt (delivered when the current turn
// ends, ahead of tool-result follow-ups). No-op without a bound queue.
func (hc *Context) Steer(text string) {
	if hc.steer != nil {
		hc.steer(text)
	}
}

// FollowUp enqueues text as a follow-up prompt (delivered after the model
// has responded to outstanding tool results).
func (hc *Context) FollowUp(text string) {
	if hc.followUp != nil {
		hc.followUp(text)
	}
}

// SendUserMessage delivers text as a user message. deliverAs is "steer" or
// "followUp"; anything else defaults to followUp.
func (hc *Context) SendUserMessage(text, deliverAs string) {
	if hc.sendUserMessage != nil {
		hc.sendUserMessage(text, deliverAs)
	}
}

// IsIdle reports whether the agent is between prompts.
func (hc *Context) IsIdle() bool {
	if hc.isIdle != nil {
		return hc.isIdle()
	}
	return true
}

// BindDelivery attaches the queue-backed delivery funcs. The orchestrator
// calls this once per context it hands out.
func (hc *Context) BindDelivery(steer, followUp func(string), send func(string, string), idle func() bool) {
	hc.steer = steer
	hc.followUp = followUp
	hc.sendUserMessage = send
	hc.isIdle = idle
}

// ---------------------------------------------------------------------------
// Process execution helper
// ---------------------------------------------------------------------------

// ExecResult is the outcome of a Context.Exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Killed reports that the process was terminated by the timeout or by
	// turn cancellation rather than exiting on its own.
	Killed bool
}

// Exec runs command under `bash -c` in the session's working directory and
// captures the result. timeout 0 means no timeout beyond hc.Ctx. A non-zero
// exit code is a result, not an error; only spawn failures return an error.
func (hc *Context) Exec(command string, timeout time.Duration) (ExecResult, error) {
	ctx := hc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if hc.Cwd != "" {
		cmd.Dir = hc.Cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil {
		res.Killed = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
