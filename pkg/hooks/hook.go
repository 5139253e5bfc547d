package hooks

import (
	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// Hook is one extension: a struct of optional handler funcs plus anything it
// registers. A nil func means "not subscribed to that event". Handlers run
// on the runner's dispatcher goroutine, so they must not emit events
// themselves.
type Hook struct {
	// Name identifies the hook in logs and error reports.
	Name string

	// Notifications.
	OnAppStart        func(hc *Context) error
	OnSessionStart    func(hc *Context) error
	OnSessionResume   func(hc *Context) error
	OnSessionClear    func(hc *Context) error
	OnSessionShutdown func(hc *Context) error
	OnSessionCompact  func(hc *Context, info CompactInfo) error
	OnAgentStart      func(hc *Context) error
	OnAgentEnd        func(hc *Context, newMessages []ai.Message) error
	OnTurnStart       func(hc *Context) error
	OnTurnEnd         func(hc *Context) error

	// Last-writer-wins mutations. Handlers mutate the record in place (or,
	// for the system prompt, return the replacement string).
	TransformSystemPrompt func(hc *Context, prompt string) (string, error)
	AdjustParams          func(hc *Context, opts *ai.StreamOptions) error
	GetAuth               func(hc *Context, provider string) (string, error)
	ResolveModel          func(hc *Context, choice *ModelChoice) error
	BuildMessage          func(hc *Context, draft *MessageDraft) error

	// Pipeline mutation: the returned list feeds the next handler. The input
	// is deep-cloned once per emission, so handlers may mutate freely.
	TransformMessages func(hc *Context, msgs []ai.Message) ([]ai.Message, error)

	// Tool gatekeeping and result patching.
	BeforeToolExecute func(hc *Context, ev *ToolExecuteEvent) (*GateResult, error)
	AfterToolExecute  func(hc *Context, ev *ToolExecuteEvent, res *tools.Result) error

	// First handler returning a non-nil result wins; later handlers still
	// run for side effects but cannot override.
	BeforeAgentStart func(hc *Context) (*BeforeStartResult, error)

	// May cancel the pending compaction or add summariser instructions.
	BeforeCompact func(hc *Context, req *CompactRequest) error

	// Registered extras, merged into the runtime at load time.
	Tools     []tools.Tool
	Commands  []Command
	Renderers []Renderer
}

// Command is a hook-registered slash command.
type Command struct {
	Name        string
	Description string
	Run         func(hc *Context, args string) error
}

// Renderer customises how hookMessages with a given customType are shown.
type Renderer struct {
	CustomType string
	Render     func(msg ai.HookMessage) string
}

// subscribes reports whether h handles kind, used for manifest-driven
// subscription checks and introspection.
func (h *Hook) subscribes(kind Kind) bool {
	switch kind {
	case KindAppStart:
		return h.OnAppStart != nil
	case KindSessionStart:
		return h.OnSessionStart != nil
	case KindSessionResume:
		return h.OnSessionResume != nil
	case KindSessionClear:
		return h.OnSessionClear != nil
	case KindSessionShutdown:
		return h.OnSessionShutdown != nil
	case KindSessionCompact:
		return h.OnSessionCompact != nil
	case KindAgentStart:
		return h.OnAgentStart != nil
	case KindAgentEnd:
		return h.OnAgentEnd != nil
	case KindTurnStart:
		return h.OnTurnStart != nil
	case KindTurnEnd:
		return h.OnTurnEnd != nil
	case KindChatSystemTransform:
		return h.TransformSystemPrompt != nil
	case KindChatParams:
		return h.AdjustParams != nil
	case KindAuthGet:
		return h.GetAuth != nil
	case KindModelResolve:
		return h.ResolveModel != nil
	case KindChatMessage:
		return h.BuildMessage != nil
	case KindChatMessagesTransform:
		return h.TransformMessages != nil
	case KindToolExecuteBefore:
		return h.BeforeToolExecute != nil
	case KindToolExecuteAfter:
		return h.AfterToolExecute != nil
	case KindAgentBeforeStart:
		return h.BeforeAgentStart != nil
	case KindSessionBeforeCompact:
		return h.BeforeCompact != nil
	}
	return false
}

// SessionView is the read-only window a hook gets onto the active session.
// *session.Manager satisfies it.
type SessionView interface {
	ID() string
	Path() string
	Cwd() string
	Active() bool
	Meta() session.Metadata
}
