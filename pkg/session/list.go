package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// Descriptor summarises one journal file for listings and pickers.
type Descriptor struct {
	Path      string
	ID        string
	Timestamp int64
	Provider  string
	ModelID   string
	// FirstUserText is the text of the first user message, for display.
	FirstUserText string
	// Messages counts the message entries (custom entries excluded).
	Messages int
}

// SessionData is a fully loaded journal.
type SessionData struct {
	Path     string
	Meta     Metadata
	Messages []ai.Message
	Custom   []CustomEntry
}

// ListSessions returns descriptors for every parseable journal in the
// manager's directory, newest first. Unreadable or corrupt files are skipped.
func (m *Manager) ListSessions() ([]Descriptor, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", m.dir, err)
	}

	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		d, err := describe(path)
		if err != nil {
			m.logger.Warn("skipping unreadable session", "path", path, "error", err)
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// describe reads just enough of a journal for a Descriptor.
func describe(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, err
	}
	defer f.Close()

	sc := newLineScanner(f)
	if !sc.Scan() {
		return Descriptor{}, fmt.Errorf("empty journal")
	}
	var meta Metadata
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil || meta.Type != EntryTypeSession {
		return Descriptor{}, fmt.Errorf("missing session header")
	}

	d := Descriptor{
		Path:      path,
		ID:        meta.ID,
		Timestamp: meta.Timestamp,
		Provider:  meta.Provider,
		ModelID:   meta.ModelID,
	}
	for sc.Scan() {
		line := sc.Bytes()
		if peekType(line) != EntryTypeMessage {
			continue
		}
		d.Messages++
		if d.FirstUserText != "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		msg, err := ai.UnmarshalMessage(env.Message)
		if err != nil {
			continue
		}
		if um, ok := msg.(ai.UserMessage); ok {
			d.FirstUserText = firstLine(blocksText(um.Content))
		}
	}
	return d, sc.Err()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// blocksText concatenates the text blocks of any content list.
func blocksText(blocks []ai.ContentBlock) string {
	var out strings.Builder
	for _, b := range blocks {
		if t, ok := b.(ai.TextContent); ok {
			out.WriteString(t.Text)
		}
	}
	return out.String()
}

// LoadSession parses a journal file. Malformed entry lines after the header
// are skipped with a warning; a malformed header fails the load.
func (m *Manager) LoadSession(path string) (*SessionData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	defer f.Close()

	sc := newLineScanner(f)
	if !sc.Scan() {
		return nil, fmt.Errorf("session: %s: empty journal", path)
	}
	var meta Metadata
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("session: %s: parse header: %w", path, err)
	}
	if meta.Type != EntryTypeSession {
		return nil, fmt.Errorf("session: %s: first line is %q, want %q", path, meta.Type, EntryTypeSession)
	}

	data := &SessionData{Path: path, Meta: meta}
	warned := false
	lineNo := 1
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if !warned {
				m.logger.Warn("skipping malformed session entries", "path", path, "line", lineNo, "error", err)
				warned = true
			}
			continue
		}
		switch env.Type {
		case EntryTypeMessage:
			msg, err := ai.UnmarshalMessage(env.Message)
			if err != nil {
				if !warned {
					m.logger.Warn("skipping malformed session entries", "path", path, "line", lineNo, "error", err)
					warned = true
				}
				continue
			}
			data.Messages = append(data.Messages, msg)
		case EntryTypeCustom:
			data.Custom = append(data.Custom, CustomEntry{CustomType: env.CustomType, Data: env.Data})
		default:
			if !warned {
				m.logger.Warn("skipping malformed session entries", "path", path, "line", lineNo, "type", env.Type)
				warned = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	return data, nil
}

// LoadLatest loads the most recent journal in the manager's directory, or
// returns (nil, nil) when there is none.
func (m *Manager) LoadLatest() (*SessionData, error) {
	list, err := m.ListSessions()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return m.LoadSession(list[0].Path)
}

// FindSession resolves ref to a journal path. In order it tries: an existing
// file path, a file name inside the manager's directory, an exact session
// UUID, and finally a UUID prefix (newest match wins).
func (m *Manager) FindSession(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("session: empty session reference")
	}
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return ref, nil
	}
	if p := filepath.Join(m.dir, ref); ref == filepath.Base(ref) {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}

	list, err := m.ListSessions()
	if err != nil {
		return "", err
	}
	for _, d := range list {
		if d.ID == ref {
			return d.Path, nil
		}
	}
	for _, d := range list { // newest first, so first prefix hit wins
		if strings.HasPrefix(d.ID, ref) {
			return d.Path, nil
		}
	}
	return "", fmt.Errorf("session: no session matching %q", ref)
}

// newLineScanner builds a bufio.Scanner sized for journals that hold large
// tool results or images on a single line.
func newLineScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return sc
}
