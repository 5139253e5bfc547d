// Package orchestrator drains the prompt queue with a single consumer and
// runs each prompt through the hook runner, the execution plan and the agent
// loop. It owns the glue the other packages deliberately avoid: hooks never
// see the agent, the agent never sees hooks, and both meet here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kestrel-dev/agentkit/pkg/agent"
	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/config"
	"github.com/kestrel-dev/agentkit/pkg/hooks"
	"github.com/kestrel-dev/agentkit/pkg/plan"
	"github.com/kestrel-dev/agentkit/pkg/queue"
	"github.com/kestrel-dev/agentkit/pkg/session"
	"github.com/kestrel-dev/agentkit/pkg/tools"
)

// ErrQueueDrained resolves the completion of every prompt still queued when
// the orchestrator shuts down.
var ErrQueueDrained = errors.New("orchestrator: prompt queue drained")

// Options configures a new Orchestrator.
type Options struct {
	// Transports maps provider names to transports. The provider selected
	// by Provider must be present; model.resolve hooks may switch between
	// the entries per prompt.
	Transports map[string]ai.Transport

	// Provider selects the initial transport. May be empty when Transports
	// has exactly one entry.
	Provider string

	// Model is the initial model id. Required.
	Model string

	// SystemPrompt is the base instructions message. chat.system.transform
	// hooks see it per call.
	SystemPrompt string

	// Tools the model may call. nil starts an empty registry. Hook-provided
	// tools are merged in on top and replace same-named entries.
	Tools *tools.Registry

	// Sessions persists the journal. Required.
	Sessions *session.Manager

	// Hooks receives lifecycle events. nil creates a private runner that
	// Shutdown closes.
	Hooks *hooks.Runner

	// HooksDir is scanned for hook.yaml manifests and watched for changes.
	// Empty disables subprocess hooks.
	HooksDir string

	// Plan wraps every prompt in retry/fallback steps. nil runs a single
	// attempt.
	Plan *plan.Plan

	// StreamOptions is the base for every transport call.
	StreamOptions ai.StreamOptions

	// Compaction configures automatic context summarisation.
	Compaction agent.CompactionConfig

	// MaxTurns caps assistant turns per prompt (0 = unlimited).
	MaxTurns int

	// ThinkingLevel is recorded in session metadata.
	ThinkingLevel ai.ThinkingLevel

	// Cwd for hook contexts. Defaults to Sessions.Cwd().
	Cwd string

	// UI lets hooks reach the frontend. nil installs hooks.NoopUI.
	UI hooks.UIBridge

	Logger *slog.Logger
}

// Orchestrator owns the prompt queue, the agent and the hook runner wiring.
// All prompts run on one consumer goroutine, so at most one is active at a
// time; Submit methods are safe from any goroutine.
type Orchestrator struct {
	queue    *queue.PromptQueue
	agent    *agent.Agent
	sessions *session.Manager
	runner   *hooks.Runner
	plan     *plan.Plan
	logger   *slog.Logger
	ui       hooks.UIBridge

	transports    map[string]ai.Transport
	streamOpts    ai.StreamOptions
	thinking      ai.ThinkingLevel
	maxTurns      int
	contextWindow int
	cwd           string
	hooksDir      string
	ownRunner     bool

	// runMu serialises prompt processing with session switches and hook
	// reloads, so neither ever happens mid-prompt.
	runMu sync.Mutex

	mu       sync.Mutex
	provider string
	hc       *hooks.Context // context of the in-flight prompt, nil when idle
	absorbed []chan error   // completions of items drained into the in-flight prompt
	closed   bool

	dirHooks      *hooks.DirSet
	watcher       *hooks.Watcher
	hookToolNames []string

	fwd    *agent.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	cancelOnce  sync.Once
	cleanupOnce sync.Once
}

// New builds the orchestrator and starts its consumer goroutine. The queue
// is live immediately; the first prompt creates the session.
func New(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: session manager is required")
	}
	if len(opts.Transports) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one transport is required")
	}
	provider := opts.Provider
	if provider == "" && len(opts.Transports) == 1 {
		for name := range opts.Transports {
			provider = name
		}
	}
	transport, ok := opts.Transports[provider]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no transport for provider %q", provider)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("orchestrator: model is required")
	}

	runner := opts.Hooks
	ownRunner := false
	if runner == nil {
		runner = hooks.NewRunner(logger)
		ownRunner = true
	}
	p := opts.Plan
	if p == nil {
		p = plan.New()
	}
	if p.Logger == nil {
		p.Logger = logger
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = opts.Sessions.Cwd()
	}
	ui := opts.UI
	if ui == nil {
		ui = hooks.NoopUI{}
	}

	o := &Orchestrator{
		queue:         queue.New(),
		sessions:      opts.Sessions,
		runner:        runner,
		plan:          p,
		logger:        logger,
		ui:            ui,
		transports:    opts.Transports,
		streamOpts:    opts.StreamOptions,
		thinking:      opts.ThinkingLevel,
		maxTurns:      opts.MaxTurns,
		contextWindow: opts.Compaction.ContextWindow,
		cwd:           cwd,
		hooksDir:      opts.HooksDir,
		ownRunner:     ownRunner,
		provider:      provider,
		done:          make(chan struct{}),
	}
	o.agent = agent.New(agent.Options{
		Transport:     transport,
		Model:         opts.Model,
		SystemPrompt:  opts.SystemPrompt,
		Tools:         opts.Tools,
		Journal:       opts.Sessions,
		Compaction:    opts.Compaction,
		StreamOptions: opts.StreamOptions,
		Logger:        logger,
	})

	if opts.HooksDir != "" {
		set, err := hooks.LoadDir(runner, opts.HooksDir, logger)
		if err != nil {
			// Bad manifests skip their hook; the valid rest of the set is
			// already registered.
			logger.Warn("hook directory loaded with issues", "dir", opts.HooksDir, "error", err)
		}
		o.dirHooks = set

		w, err := hooks.WatchDir(opts.HooksDir, func() {
			if err := o.ReloadHooks(); err != nil {
				logger.Warn("hook reload failed", "error", err)
			}
		}, logger)
		if err != nil {
			logger.Warn("hook watcher unavailable", "dir", opts.HooksDir, "error", err)
		} else {
			o.watcher = w
		}
	}
	o.mergeHookTools()

	o.fwd = o.agent.Subscribe(agent.SubscriberFunc(o.forwardAgentEvent))

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.consume(ctx)

	o.runner.EmitAppStart(o.hookContext(context.Background()))
	return o, nil
}

// FromConfig wires a settings file into a ready orchestrator. transports
// must cover cfg.Provider; the session manager is created under
// cfg.ConfigDir for the current working directory.
func FromConfig(cfg *config.Config, transports map[string]ai.Transport, logger *slog.Logger) (*Orchestrator, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		configDir = session.DefaultConfigDir()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve cwd: %w", err)
	}

	window := cfg.Compaction.ContextWindow
	if window == 0 {
		window = cfg.ContextWindow
	}

	return New(Options{
		Transports:    transports,
		Provider:      cfg.Provider,
		Model:         cfg.Model,
		SystemPrompt:  cfg.SystemPrompt,
		Sessions:      session.NewManager(configDir, cwd, logger),
		HooksDir:      cfg.HooksDir,
		Plan:          plan.FromSettings(cfg.Plan),
		StreamOptions: cfg.StreamOptions(),
		Compaction: agent.CompactionConfig{
			Enabled:         cfg.Compaction.Enabled,
			ContextWindow:   window,
			ReserveTokens:   cfg.Compaction.ReserveTokens,
			RetryOnOverflow: cfg.Compaction.RetryOnOverflow,
		},
		MaxTurns:      cfg.MaxTurns,
		ThinkingLevel: ai.ThinkingLevel(cfg.ThinkingLevel),
		Cwd:           cwd,
		Logger:        logger,
	})
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Agent returns the agent driven by this orchestrator. Subscribe on it for
// streaming events; do not call its Prompt methods directly while the
// orchestrator is running.
func (o *Orchestrator) Agent() *agent.Agent { return o.agent }

// Queue returns the prompt queue, mainly for badges and snapshots.
func (o *Orchestrator) Queue() *queue.PromptQueue { return o.queue }

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Hooks returns the hook runner, e.g. to register in-process hooks or to
// drain its error channel.
func (o *Orchestrator) Hooks() *hooks.Runner { return o.runner }

// ---------------------------------------------------------------------------
// Submitting prompts
// ---------------------------------------------------------------------------

// SubmitOptions shapes one submitted prompt.
type SubmitOptions struct {
	// Mode selects the delivery slot; empty means queue.ModeFollowUp.
	Mode queue.Mode

	// Attachments ride along on the user message; image attachments become
	// image content parts.
	Attachments []ai.Attachment

	// BeforeStart replays a pre-computed agent.before_start result instead
	// of emitting the event again.
	BeforeStart *hooks.BeforeStartResult
}

// SubmitPrompt enqueues a prompt and returns immediately.
func (o *Orchestrator) SubmitPrompt(text string, opts SubmitOptions) {
	o.submit(queue.Item{
		Text:        text,
		Mode:        opts.Mode,
		Attachments: opts.Attachments,
		BeforeStart: opts.BeforeStart,
	})
}

// SubmitPromptAndWait enqueues a prompt and blocks until it settles or ctx
// fires. The returned error is the prompt's final error after the execution
// plan gave up, nil on success or abort.
func (o *Orchestrator) SubmitPromptAndWait(ctx context.Context, text string, opts SubmitOptions) error {
	done := make(chan error, 1)
	o.submit(queue.Item{
		Text:        text,
		Mode:        opts.Mode,
		Attachments: opts.Attachments,
		BeforeStart: opts.BeforeStart,
		Completion:  done,
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) submit(item queue.Item) {
	if item.Mode == "" {
		item.Mode = queue.ModeFollowUp
	}
	if o.isClosed() {
		resolveCompletion(item.Completion, ErrQueueDrained)
		return
	}
	o.queue.Enqueue(item)
}

// Abort cancels the in-flight prompt, if any. Queued prompts stay queued.
func (o *Orchestrator) Abort() { o.agent.Abort() }

// ---------------------------------------------------------------------------
// Session operations
// ---------------------------------------------------------------------------

// Compact summarises the current conversation now, regardless of thresholds.
// It fails while a prompt is in flight.
func (o *Orchestrator) Compact(ctx context.Context, instructions string) error {
	hc := o.hookContext(ctx)
	return o.agent.Compact(ctx, instructions, o.agentConfig(hc))
}

// NewSession closes the active session; the next prompt starts a fresh one.
func (o *Orchestrator) NewSession(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.runner.EmitSessionClear(o.hookContext(ctx))
	o.sessions.Clear()
	o.agent.ClearMessages()
	return nil
}

// ResumeSession loads the session named by ref (path, file name, session id
// or id prefix), attaches its post-compaction context to the agent and makes
// its journal the append target.
func (o *Orchestrator) ResumeSession(ctx context.Context, ref string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	path, err := o.sessions.FindSession(ref)
	if err != nil {
		return err
	}
	data, err := o.sessions.LoadSession(path)
	if err != nil {
		return err
	}
	if err := o.sessions.ContinueSession(path, data.Meta.ID); err != nil {
		return err
	}

	o.agent.AttachHistory(agent.ActiveContext(data.Messages), data.Meta.Compaction)
	if data.Meta.ModelID != "" {
		o.agent.SetModel(data.Meta.ModelID)
	}
	if data.Meta.Provider != "" {
		if tr, ok := o.transports[data.Meta.Provider]; ok {
			o.agent.SetTransport(tr)
			o.mu.Lock()
			o.provider = data.Meta.Provider
			o.mu.Unlock()
		} else {
			o.logger.Warn("resumed session names an unknown provider, keeping current transport",
				"provider", data.Meta.Provider)
		}
	}
	if data.Meta.ThinkingLevel != "" {
		o.mu.Lock()
		o.thinking = data.Meta.ThinkingLevel
		o.mu.Unlock()
	}

	o.runner.EmitSessionResume(o.hookContext(ctx))
	o.logger.Info("session resumed", "id", data.Meta.ID, "messages", len(data.Messages))
	return nil
}

// ReloadHooks tears down the directory-loaded hooks and scans the directory
// again. It waits for any in-flight prompt, so hooks never swap mid-turn.
func (o *Orchestrator) ReloadHooks() error {
	if o.hooksDir == "" {
		return fmt.Errorf("orchestrator: no hooks directory configured")
	}
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.isClosed() {
		return fmt.Errorf("orchestrator: shut down")
	}

	if o.dirHooks != nil {
		o.dirHooks.Close()
		o.dirHooks = nil
	}
	set, err := hooks.LoadDir(o.runner, o.hooksDir, o.logger)
	o.dirHooks = set
	o.mergeHookTools()
	if err != nil {
		return fmt.Errorf("orchestrator: reload hooks: %w", err)
	}
	o.logger.Info("hooks reloaded", "dir", o.hooksDir, "hooks", len(o.runner.Names()))
	return nil
}

// mergeHookTools reconciles hook-provided tools into the agent's registry.
// Tools from a previous load are removed first, so a reload that drops a
// hook also drops its tools.
func (o *Orchestrator) mergeHookTools() {
	reg := o.agent.Tools()
	for _, name := range o.hookToolNames {
		reg.Remove(name)
	}
	o.hookToolNames = o.hookToolNames[:0]
	for _, t := range o.runner.RegisteredTools() {
		reg.RegisterOrReplace(t)
		o.hookToolNames = append(o.hookToolNames, t.Definition().Name)
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown aborts the in-flight prompt, stops the consumer, fails every
// queued prompt with ErrQueueDrained and emits session.shutdown. It returns
// early with ctx's error if the consumer does not wind down in time.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelOnce.Do(o.cancel)
	select {
	case <-o.done:
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}

	o.cleanupOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		for _, item := range o.queue.TakeAll() {
			resolveCompletion(item.Completion, ErrQueueDrained)
		}

		o.runner.EmitSessionShutdown(o.hookContext(context.Background()))

		o.fwd.Close()
		if o.watcher != nil {
			if err := o.watcher.Close(); err != nil {
				o.logger.Debug("hook watcher close failed", "error", err)
			}
		}
		o.runMu.Lock()
		if o.dirHooks != nil {
			o.dirHooks.Close()
			o.dirHooks = nil
		}
		o.runMu.Unlock()
		if o.ownRunner {
			o.runner.Close()
		}
		if err := o.sessions.Close(); err != nil {
			o.logger.Warn("session close failed", "error", err)
		}
	})
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func resolveCompletion(ch chan error, err error) {
	if ch == nil {
		return
	}
	// Completion channels are cap-1 by contract; the non-blocking send keeps
	// a misbuilt channel from wedging the consumer.
	select {
	case ch <- err:
	default:
	}
}
