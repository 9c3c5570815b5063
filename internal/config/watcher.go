package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a RelayConfig from disk whenever the backing file changes
// and swaps the new snapshot into a Store. A failed reload logs and keeps
// serving the previous snapshot — a bad edit never takes the relay down.
type Watcher struct {
	path   string
	opts   LoadOptions
	store  *Store
	logger *slog.Logger
}

// NewWatcher builds a Watcher bound to a config file path and the Store it
// updates on every successful reload.
func NewWatcher(path string, opts LoadOptions, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, opts: opts, store: store, logger: logger}
}

// Run watches the directory containing the config file until ctx is
// cancelled. Editors frequently replace a file rather than writing in place
// (rename-over-write), which deletes the watched inode and would silently
// kill a watch placed on the file itself; watching the directory survives
// that because the directory inode never changes.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadFromFile(w.path, w.opts)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot", "path", w.path, "error", err)
		return
	}
	w.store.Swap(next)
	w.logger.Info("config reloaded", "path", w.path, "targets", len(next.Targets))
}
