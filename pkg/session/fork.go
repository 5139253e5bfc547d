package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ForkSession copies the journal at srcPath into a new session file and makes
// the fork the active session. The fork gets a fresh id and timestamp and
// records the source id in forkedFrom; every line after the header is copied
// byte for byte, so replaying the fork reproduces the source conversation
// exactly.
func (m *Manager) ForkSession(srcPath string) (Metadata, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("session: open %s: %w", srcPath, err)
	}
	defer src.Close()

	sc := newLineScanner(src)
	if !sc.Scan() {
		return Metadata{}, fmt.Errorf("session: %s: empty journal", srcPath)
	}
	var meta Metadata
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil || meta.Type != EntryTypeSession {
		return Metadata{}, fmt.Errorf("session: %s: missing session header", srcPath)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("session: mkdir %s: %w", m.dir, err)
	}

	ts := Now()
	forked := meta
	forked.ID = uuid.New().String()
	forked.Timestamp = ts
	forked.ForkedFrom = meta.ID

	path := filepath.Join(m.dir, fileName(ts, forked.ID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Metadata{}, fmt.Errorf("session: create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	header, err := json.Marshal(forked)
	if err != nil {
		f.Close()
		return Metadata{}, fmt.Errorf("session: marshal fork header: %w", err)
	}
	w.Write(header)
	w.WriteByte('\n')
	for sc.Scan() {
		w.Write(sc.Bytes())
		w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return Metadata{}, fmt.Errorf("session: read %s: %w", srcPath, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return Metadata{}, fmt.Errorf("session: write %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.f, m.path, m.meta = f, path, forked
	return forked, nil
}

// UpdateCompactionState rewrites only the metadata line of the active journal
// so it carries the given compaction state. Entry lines are untouched. The
// file is rewritten to a temp file and renamed into place, then the append
// handle is reopened since the old descriptor points at the unlinked inode.
func (m *Manager) UpdateCompactionState(state *CompactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrNoSession
	}
	m.closeLocked()

	meta := m.meta
	meta.Compaction = state

	src, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", m.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".session-*.tmp")
	if err != nil {
		src.Close()
		return fmt.Errorf("session: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		src.Close()
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	header, err := json.Marshal(meta)
	if err != nil {
		return fail(fmt.Errorf("session: marshal header: %w", err))
	}
	w := bufio.NewWriter(tmp)
	w.Write(header)
	w.WriteByte('\n')

	sc := newLineScanner(src)
	if !sc.Scan() {
		return fail(fmt.Errorf("session: %s: empty journal", m.path))
	}
	for sc.Scan() {
		w.Write(sc.Bytes())
		w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fail(fmt.Errorf("session: read %s: %w", m.path, err))
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("session: write %s: %w", tmpPath, err))
	}
	src.Close()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("session: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("session: replace %s: %w", m.path, err)
	}

	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("session: reopen %s: %w", m.path, err)
	}
	m.f = f
	m.meta = meta
	return nil
}
