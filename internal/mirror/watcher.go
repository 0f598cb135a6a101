package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchPollInterval is how often the debounce state is checked.
	watchPollInterval = 500 * time.Millisecond

	// quietWindow is how long the tree must stay unchanged before a
	// cycle is requested, so bulk edits trigger one cycle, not dozens.
	quietWindow = 2 * time.Second
)

// kicker is the subset of Engine the watcher needs. Extracted for
// testability.
type kicker interface {
	Kick()
}

// Watcher monitors the sync directory and requests a cycle once local
// changes settle. It never syncs anything itself; the engine's walk
// picks up whatever actually changed.
type Watcher struct {
	tree    *LocalTree
	engine  kicker
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a file watcher for the given tree and engine.
func NewWatcher(tree *LocalTree, engine kicker, logger *slog.Logger) *Watcher {
	return &Watcher{
		tree:   tree,
		engine: engine,
		logger: logger,
	}
}

// Watch starts watching the sync directory for changes. It blocks until
// the context is cancelled. Directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.tree.Dir()); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.tree.Dir()))

	var lastEvent time.Time
	dirty := false
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			dirty = true
			lastEvent = time.Now()

			// If a new directory was created, watch it recursively.
			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Remove watch for deleted directories. On Linux inotify
				// handles this automatically, but other platforms may leak.
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if dirty && time.Since(lastEvent) >= quietWindow {
				dirty = false
				w.logger.Debug("local changes settled, requesting cycle")
				w.engine.Kick()
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.shouldIgnore(path) && path != w.tree.Dir() {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}
	// The engine writes conflict artifacts itself; their creation must
	// not re-trigger it.
	return IsConflictPath(path)
}
