package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// Agent drives the loop for one conversation. Subscribe/Abort are safe from
// any goroutine; Prompt, PromptMessages, Continue and Compact must not be
// called concurrently (the orchestrator's single consumer guarantees this).
type Agent struct {
	mu           sync.RWMutex
	systemPrompt string
	model        string
	transport    ai.Transport
	registry     *tools.Registry
	journal      *session.Manager // nil = no persistence
	logger       *slog.Logger

	messages []ai.Message

	isStreaming bool
	abortFn     context.CancelFunc
	abortOnce   *sync.Once

	subMu  sync.RWMutex
	subs   []subEntry
	subSeq int

	compaction CompactionConfig
	compState  *session.CompactionState // carried across compactions/resume
	streamOpts ai.StreamOptions
}

type subEntry struct {
	id  int
	sub Subscriber
}

// Options configures a new Agent.
type Options struct {
	Transport    ai.Transport
	Model        string
	SystemPrompt string

	// Tools the model may call. nil → empty registry.
	Tools *tools.Registry

	// Journal persists every appended message. nil → in-memory only.
	Journal *session.Manager

	// Compaction controls automatic context summarisation.
	Compaction CompactionConfig

	// StreamOptions is the base for every transport call; per-call hooks
	// adjust a copy.
	StreamOptions ai.StreamOptions

	Logger *slog.Logger
}

// New creates an Agent. opts.Transport is required for prompting; everything
// else has a usable zero value.
func New(opts Options) *Agent {
	reg := opts.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Agent{
		systemPrompt: opts.SystemPrompt,
		model:        opts.Model,
		transport:    opts.Transport,
		registry:     reg,
		journal:      opts.Journal,
		compaction:   opts.Compaction,
		streamOpts:   opts.StreamOptions,
		logger:       logger,
	}
}

// ---------------------------------------------------------------------------
// Accessors and setters
// ---------------------------------------------------------------------------

func (a *Agent) SetSystemPrompt(s string) {
	a.mu.Lock()
	a.systemPrompt = s
	a.mu.Unlock()
}

func (a *Agent) SystemPrompt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.systemPrompt
}

// SetModel switches the model for subsequent turns. Execution plan steps
// call this between attempts.
func (a *Agent) SetModel(m string) {
	a.mu.Lock()
	a.model = m
	a.mu.Unlock()
}

func (a *Agent) Model() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

func (a *Agent) SetTransport(t ai.Transport) {
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
}

func (a *Agent) Tools() *tools.Registry { return a.registry }

func (a *Agent) IsStreaming() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isStreaming
}

// ContextTokens estimates the current context size. Hook bridges report it.
func (a *Agent) ContextTokens() int {
	return EstimateContextTokens(a.SnapshotMessages()).Tokens
}

// State returns a read-only snapshot of the agent.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	msgs := make([]ai.Message, len(a.messages))
	copy(msgs, a.messages)
	name := ""
	if a.transport != nil {
		name = a.transport.Name()
	}
	return State{
		SystemPrompt:  a.systemPrompt,
		Model:         a.model,
		Transport:     name,
		Messages:      msgs,
		IsStreaming:   a.isStreaming,
		ContextTokens: EstimateContextTokens(msgs).Tokens,
	}
}

// Messages returns a shallow snapshot of the conversation history.
func (a *Agent) Messages() []ai.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ai.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// ---------------------------------------------------------------------------
// Execution-plan target
// ---------------------------------------------------------------------------

// SnapshotMessages deep-clones the history so a retry can restore it even
// after a failed attempt appended to it.
func (a *Agent) SnapshotMessages() []ai.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return ai.CloneMessages(a.messages)
}

// RestoreMessages replaces the in-memory history. The journal is append-only
// and keeps the failed attempt; only the model-visible context rolls back.
func (a *Agent) RestoreMessages(msgs []ai.Message) {
	a.mu.Lock()
	a.messages = msgs
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Context management
// ---------------------------------------------------------------------------

// AttachHistory seeds the context from a loaded session without journalling.
// Call before the first Prompt when resuming. Messages are stored as values,
// matching what the loop appends.
func (a *Agent) AttachHistory(msgs []ai.Message, comp *session.CompactionState) {
	normalized := make([]ai.Message, len(msgs))
	for i, m := range msgs {
		normalized[i] = ai.DerefMessage(m)
	}
	a.mu.Lock()
	a.messages = normalized
	a.compState = comp
	a.mu.Unlock()
}

// ClearMessages drops the in-memory history and compaction state.
func (a *Agent) ClearMessages() {
	a.mu.Lock()
	a.messages = nil
	a.compState = nil
	a.mu.Unlock()
}

// CompactionState returns the state from the most recent compaction, or nil.
func (a *Agent) CompactionState() *session.CompactionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.compState == nil {
		return nil
	}
	st := *a.compState
	return &st
}

// InjectMessage appends a message to the context and journal between runs,
// with the usual message events. Hook-injected messages arrive this way.
func (a *Agent) InjectMessage(m ai.Message) {
	a.appendMsg(m)
	a.broadcast(Event{Type: EventMessageStart, Message: m})
	a.broadcast(Event{Type: EventMessageEnd, Message: m})
}

// seedPrefix marks the synthetic user message a compaction leaves behind.
const seedPrefix = "The conversation history before this point was compacted"

// ActiveContext returns the live tail of a loaded message list: everything
// from the last compaction seed onward, or the whole list when no compaction
// ever ran. Resume uses this so the model never re-reads summarised history.
func ActiveContext(msgs []ai.Message) []ai.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		um, ok := msgs[i].(ai.UserMessage)
		if !ok {
			continue
		}
		for _, b := range um.Content {
			if t, ok := b.(ai.TextContent); ok && strings.HasPrefix(t.Text, seedPrefix) {
				return msgs[i:]
			}
		}
	}
	return msgs
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers a subscriber. Events fan out synchronously in
// registration order.
func (a *Agent) Subscribe(s Subscriber) *Subscription {
	a.subMu.Lock()
	id := a.subSeq
	a.subSeq++
	a.subs = append(a.subs, subEntry{id: id, sub: s})
	a.subMu.Unlock()

	return &Subscription{remove: func() {
		a.subMu.Lock()
		for i, e := range a.subs {
			if e.id == id {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				break
			}
		}
		a.subMu.Unlock()
	}}
}

func (a *Agent) broadcast(e Event) {
	a.subMu.RLock()
	entries := make([]subEntry, len(a.subs))
	copy(entries, a.subs)
	a.subMu.RUnlock()
	for _, en := range entries {
		en.sub.HandleEvent(e)
	}
}

// ---------------------------------------------------------------------------
// Prompting
// ---------------------------------------------------------------------------

// Prompt appends a user message and runs the loop to completion. It returns
// a transport error when the model call failed (eligible for plan retry) and
// nil on normal completion or abort.
func (a *Agent) Prompt(ctx context.Context, text string, cfg Config) error {
	return a.PromptMessages(ctx, []ai.Message{
		ai.UserMessage{
			Role:      ai.RoleUser,
			Content:   []ai.ContentBlock{ai.TextContent{Text: text}},
			Timestamp: session.Now(),
		},
	}, cfg)
}

// PromptMessages runs the loop with pre-built messages (prompt plus
// attachments, or hook-drafted parts). msgs may be nil to continue from the
// existing context.
func (a *Agent) PromptMessages(ctx context.Context, msgs []ai.Message, cfg Config) error {
	a.mu.Lock()
	if a.isStreaming {
		a.mu.Unlock()
		return fmt.Errorf("agent: a prompt is already running")
	}
	if a.transport == nil {
		a.mu.Unlock()
		return fmt.Errorf("agent: no transport configured")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.abortFn = cancel
	a.abortOnce = &sync.Once{}
	a.isStreaming = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.isStreaming = false
		a.abortFn = nil
		a.mu.Unlock()
		cancel()
	}()

	return a.runLoop(loopCtx, msgs, cfg)
}

// Continue re-enters the loop on the existing context, e.g. after resuming a
// session whose last message is a user prompt or tool result.
func (a *Agent) Continue(ctx context.Context, cfg Config) error {
	msgs := a.Messages()
	if len(msgs) == 0 {
		return fmt.Errorf("agent: nothing to continue from")
	}
	if msgs[len(msgs)-1].GetRole() == ai.RoleAssistant {
		return fmt.Errorf("agent: last message is an assistant response")
	}
	return a.PromptMessages(ctx, nil, cfg)
}

// Abort cancels the running loop. Idempotent; a no-op when idle.
func (a *Agent) Abort() {
	a.mu.RLock()
	fn := a.abortFn
	once := a.abortOnce
	a.mu.RUnlock()
	if fn != nil && once != nil {
		once.Do(fn)
	}
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// appendMsg adds one message to the context and journals it. Journal I/O
// failures are logged and never kill the turn.
func (a *Agent) appendMsg(m ai.Message) {
	m = ai.DerefMessage(m)
	a.mu.Lock()
	a.messages = append(a.messages, m)
	journal := a.journal
	a.mu.Unlock()

	if journal == nil {
		return
	}
	if err := journal.AppendMessage(m); err != nil && !errors.Is(err, session.ErrNoSession) {
		a.logger.Warn("journal append failed", "error", err)
	}
}
