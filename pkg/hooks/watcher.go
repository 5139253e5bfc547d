package hooks

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher observes a hook directory and fires onChange after edits settle.
// Callers decide when to act on the signal; the orchestrator applies
// reloads only between prompts.
type Watcher struct {
	dir      string
	onChange func()
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// WatchDir starts watching dir and its immediate subdirectories. The dir
// must exist.
func WatchDir(dir string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hooks: watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("hooks: watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("hooks: scan %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(dir, entry.Name())); err != nil {
				logger.Debug("watch subdir failed", "dir", entry.Name(), "error", err)
			}
		}
	}

	w := &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New hook directories need their own watch before their
			// manifest write events can be seen.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(ev.Name); err != nil {
						w.logger.Debug("watch subdir failed", "dir", ev.Name, "error", err)
					}
				}
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("hook watcher error", "error", err)
		}
	}
}

// schedule resets the debounce timer; onChange fires once the directory has
// been quiet for watchDebounce.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.onChange)
}

// Close stops the watcher and cancels any pending onChange.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
