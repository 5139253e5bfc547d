// Package session manages persistent conversation journals stored as JSONL
// files, one file per session:
//
//   - Line 1: Metadata (type=session, id, timestamp, cwd, provider, modelId,
//     thinkingLevel, optional compaction state, optional forkedFrom)
//   - Lines 2+: message or custom entries, one per line
//
// Files live under <configDir>/sessions/<cwdEncoded>/<timestampNs>_<uuid>.jsonl
// where cwdEncoded replaces every "/" with "--" and wraps the result in
// "--…--", so every working directory gets its own journal directory.
//
// The journal is append-only. Exactly two operations rewrite anything, and
// both touch only line 1: UpdateCompactionState and the metadata line of a
// fork. All other lines are preserved byte for byte forever, which is what
// makes resume and fork reproducible.
//
// Usage:
//
//	mgr := session.NewManager(session.DefaultConfigDir(), cwd, logger)
//	mgr.StartSession("anthropic", "claude-sonnet-4", ai.ThinkingMedium)
//	mgr.AppendMessage(msg)
//
//	// Later: resume
//	path, _ := mgr.FindSession("8f14e4")
//	data, _ := mgr.LoadSession(path)
//	mgr.ContinueSession(path, data.Meta.ID)
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// Manager owns the on-disk journal for one working directory. A single
// manager has at most one active session file at a time; StartSession,
// ContinueSession and ForkSession switch it. All methods are safe for
// concurrent use, though a single writer goroutine is the expected caller.
type Manager struct {
	mu     sync.Mutex
	dir    string // cwd-scoped sessions directory
	cwd    string
	logger *slog.Logger

	f    *os.File
	path string
	meta Metadata
}

// NewManager creates a manager whose journals live under
// <configDir>/sessions/<cwdEncoded>. No file is created until StartSession.
// logger may be nil.
func NewManager(configDir, cwd string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		dir:    filepath.Join(configDir, "sessions", encodeCwd(cwd)),
		cwd:    cwd,
		logger: logger,
	}
}

// DefaultConfigDir returns the platform config directory for the runtime,
// following XDG on Linux and macOS.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentkit")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentkit")
}

// encodeCwd maps a working directory to a directory name: every "/" becomes
// "--" and the result is wrapped in "--…--".
func encodeCwd(cwd string) string {
	enc := strings.ReplaceAll(cwd, "/", "--")
	if !strings.HasPrefix(enc, "--") {
		enc = "--" + enc
	}
	if !strings.HasSuffix(enc, "--") {
		enc += "--"
	}
	return enc
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Active reports whether a session file is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f != nil || m.path != ""
}

// ID returns the current session's UUID, or "" when no session is active.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.ID
}

// Path returns the current journal file path, or "".
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Meta returns a copy of the current session metadata.
func (m *Manager) Meta() Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// Dir returns the cwd-scoped sessions directory.
func (m *Manager) Dir() string { return m.dir }

// Cwd returns the working directory this manager is scoped to.
func (m *Manager) Cwd() string { return m.cwd }

// ---------------------------------------------------------------------------
// Starting, continuing, clearing
// ---------------------------------------------------------------------------

// StartSession allocates a fresh session: new UUID, strictly-increasing
// timestamp, new journal file with the metadata line written. Any previously
// active session file is closed first.
func (m *Manager) StartSession(provider, modelID string, thinking ai.ThinkingLevel) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("session: mkdir %s: %w", m.dir, err)
	}

	ts := Now()
	meta := Metadata{
		Type:          EntryTypeSession,
		ID:            uuid.New().String(),
		Timestamp:     ts,
		Cwd:           m.cwd,
		Provider:      provider,
		ModelID:       modelID,
		ThinkingLevel: thinking,
	}

	path := filepath.Join(m.dir, fileName(ts, meta.ID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Metadata{}, fmt.Errorf("session: create %s: %w", path, err)
	}

	m.closeLocked()
	m.f, m.path, m.meta = f, path, meta

	if err := m.writeLineLocked(meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// fileName builds "<timestampNs>_<uuid>.jsonl" from a millisecond timestamp.
func fileName(tsMillis int64, id string) string {
	return fmt.Sprintf("%d_%s.jsonl", tsMillis*int64(1e6), id)
}

// ContinueSession makes path the active journal without writing anything.
// id is the session UUID the caller resolved (it is re-read from the file so
// a stale id never sticks).
func (m *Manager) ContinueSession(path, id string) error {
	data, err := m.LoadSession(path)
	if err != nil {
		return err
	}
	if id != "" && data.Meta.ID != id {
		return fmt.Errorf("session: %s holds session %s, not %s", path, data.Meta.ID, id)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("session: open %s for append: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.f, m.path, m.meta = f, path, data.Meta
	return nil
}

// Clear closes the active session. The next StartSession opens a fresh file.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.path = ""
	m.meta = Metadata{}
}

// ---------------------------------------------------------------------------
// Appending
// ---------------------------------------------------------------------------

// ErrNoSession is returned by appends when no session is active.
var ErrNoSession = fmt.Errorf("session: no active session")

// AppendMessage journals one message as a {"type":"message",…} line.
func (m *Manager) AppendMessage(msg ai.Message) error {
	raw, err := ai.MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoSession
	}
	return m.writeLineLocked(envelope{Type: EntryTypeMessage, Message: raw})
}

// AppendEntry journals a custom record. data may be nil.
func (m *Manager) AppendEntry(customType string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("session: marshal custom entry: %w", err)
		}
		raw = b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoSession
	}
	return m.writeLineLocked(envelope{Type: EntryTypeCustom, CustomType: customType, Data: raw})
}

// writeLineLocked appends one JSON line with a trailing newline and fsyncs
// best-effort. Callers hold m.mu.
func (m *Manager) writeLineLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	if _, err := m.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session: write %s: %w", m.path, err)
	}
	if err := m.f.Sync(); err != nil {
		m.logger.Debug("session fsync failed", "path", m.path, "error", err)
	}
	return nil
}

// Flush is a no-op kept for symmetry with buffered writers; appends hit the
// file directly.
func (m *Manager) Flush() error { return nil }

// Close closes the active journal file, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return nil
}

func (m *Manager) closeLocked() {
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			m.logger.Debug("session close failed", "path", m.path, "error", err)
		}
		m.f = nil
	}
}
