// Package watcher observes .chronicle/ for index and processed-output
// changes, so the app learns about background agent writes without
// polling.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/storage"
)

// UpdateKind names what changed under .chronicle/.
type UpdateKind string

const (
	TagsUpdated      UpdateKind = "tags"
	ActionsUpdated   UpdateKind = "actions"
	LinksUpdated     UpdateKind = "links"
	ProcessedUpdated UpdateKind = "processed"
)

// Watcher tails one workspace's .chronicle/ directory and reports
// index changes through the OnUpdate callback.
type Watcher struct {
	OnUpdate func(kind UpdateKind, path string)

	log *zap.Logger

	mu sync.Mutex
	fs *fsnotify.Watcher
}

func New(log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{log: log}
}

// Start begins watching workspace's .chronicle/ directory. Any
// previous watch is stopped first.
func (w *Watcher) Start(workspace string) error {
	dir := filepath.Join(workspace, storage.ChronicleDirName)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("chronicle directory missing: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// fsnotify is not recursive; the processed subdir needs its own watch.
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	processedDir := filepath.Join(dir, "processed")
	if err := fs.Add(processedDir); err != nil {
		fs.Close()
		return fmt.Errorf("watch %s: %w", processedDir, err)
	}

	w.mu.Lock()
	old := w.fs
	w.fs = fs
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go w.loop(fs, processedDir)
	w.log.Info("watching chronicle directory", zap.String("dir", dir))
	return nil
}

// Stop closes the active watch, if any.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fs := w.fs
	w.fs = nil
	w.mu.Unlock()
	if fs != nil {
		fs.Close()
	}
}

func (w *Watcher) loop(fs *fsnotify.Watcher, processedDir string) {
	for {
		select {
		case ev, ok := <-fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			kind, match := classify(ev.Name, processedDir)
			if !match {
				continue
			}
			w.log.Debug("chronicle update", zap.String("kind", string(kind)), zap.String("path", ev.Name))
			if w.OnUpdate != nil {
				w.OnUpdate(kind, ev.Name)
			}
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func classify(path, processedDir string) (UpdateKind, bool) {
	switch filepath.Base(path) {
	case "tags.json":
		return TagsUpdated, true
	case "actions.json":
		return ActionsUpdated, true
	case "links.json":
		return LinksUpdated, true
	}
	if filepath.Dir(path) == processedDir {
		return ProcessedUpdated, true
	}
	return "", false
}
