package hooks

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// manifestFile is the expected name inside each hook subdirectory.
const manifestFile = "hook.yaml"

// DirSet is one directory scan's worth of subprocess hooks, registered on a
// runner. Close tears the whole set down, which is how reloads work.
type DirSet struct {
	Dir string
	// Procs are the running subprocesses in load order.
	Procs []*Subprocess
	// Skipped records ineligible or disabled hooks as "name: reason".
	Skipped []string
	// Issues holds manifest validation and startup failures.
	Issues []Issue

	runner *Runner
	ids    []string
}

// LoadDir scans dir for hook subdirectories, each holding a hook.yaml, and
// starts and registers every valid, enabled, eligible hook in alphabetical
// order. A missing dir yields an empty set. When any manifest is rejected
// the set is still returned alongside a *ConfigError.
func LoadDir(r *Runner, dir string, logger *slog.Logger) (*DirSet, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	set := &DirSet{Dir: dir, runner: r}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return set, fmt.Errorf("hooks: scan %s: %w", dir, err)
	}

	// os.ReadDir returns entries sorted by name, which fixes load order.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), manifestFile)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		m, err := LoadManifest(path)
		if err != nil {
			set.Issues = append(set.Issues, Issue{Hook: entry.Name(), Msg: err.Error()})
			continue
		}
		if issues := m.Validate(); len(issues) > 0 {
			set.Issues = append(set.Issues, issues...)
			continue
		}
		if !m.IsEnabled() {
			set.Skipped = append(set.Skipped, m.Name+": disabled")
			logger.Debug("hook disabled", "hook", m.Name)
			continue
		}
		if ok, reason := m.Eligible(); !ok {
			set.Skipped = append(set.Skipped, m.Name+": "+reason)
			logger.Info("hook ineligible", "hook", m.Name, "reason", reason)
			continue
		}

		p, err := StartProcess(m, logger)
		if err != nil {
			set.Issues = append(set.Issues, Issue{Hook: m.Name, Field: "command", Msg: err.Error()})
			continue
		}
		set.Procs = append(set.Procs, p)
		set.ids = append(set.ids, r.Register(p.Hook()))
		logger.Info("hook loaded", "hook", m.Name, "events", len(m.Events), "tools", len(m.Tools))
	}

	if len(set.Issues) > 0 {
		return set, &ConfigError{Issues: set.Issues}
	}
	return set, nil
}

// Close unregisters the set's hooks and shuts their processes down.
func (s *DirSet) Close() {
	for _, id := range s.ids {
		s.runner.Unregister(id)
	}
	s.ids = nil
	for _, p := range s.Procs {
		p.Close()
	}
	s.Procs = nil
}
