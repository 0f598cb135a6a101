package mirror

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalTree provides thread-safe filesystem operations on the sync
// directory. All writes are serialized by an exclusive lock; reads take a
// shared lock to avoid observing partial writes. The engine, the shutdown
// flush, and the watcher all go through this type for file access.
type LocalTree struct {
	dir string
	mu  sync.RWMutex
}

// NewLocalTree creates a LocalTree rooted at dir. The directory must be an
// absolute path (resolved at config load time).
func NewLocalTree(dir string) *LocalTree {
	return &LocalTree{dir: dir}
}

// Dir returns the root directory of the tree.
func (l *LocalTree) Dir() string {
	return l.dir
}

// ReadFile reads a file by relative path.
func (l *LocalTree) ReadFile(relPath string) ([]byte, error) {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return os.ReadFile(absPath)
}

// WriteFile writes content to a file by relative path, creating parent
// directories as needed. If mtime is non-zero the file's modification time
// is set to it after writing, so downloaded files keep the remote
// timestamp and compare as converged on the next cycle.
func (l *LocalTree) WriteFile(relPath string, data []byte, mtime time.Time) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return err
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(absPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	return nil
}

// SetModTime updates a file's modification time. Used after an upload to
// align the local timestamp with the one the remote assigned.
func (l *LocalTree) SetModTime(relPath string, mtime time.Time) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Chtimes(absPath, mtime, mtime); err != nil {
		return fmt.Errorf("setting mtime for %s: %w", relPath, err)
	}

	return nil
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (l *LocalTree) DeleteFile(relPath string) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}
	return nil
}

// DeleteDirIfEmpty removes a directory only when it has no children and
// reports whether it is gone afterwards. A kept non-empty directory is
// not an error: deletion reconciliation never removes a directory that
// still holds files the user did not approve for deletion.
func (l *LocalTree) DeleteDirIfEmpty(relPath string) (bool, error) {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("reading directory %s: %w", relPath, err)
	}
	if len(entries) > 0 {
		return false, nil
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing directory %s: %w", relPath, err)
	}
	return true, nil
}

// MkdirAll creates a directory (and parents) by relative path.
func (l *LocalTree) MkdirAll(relPath string) error {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return os.MkdirAll(absPath, 0755)
}

// Stat returns file info for a relative path. Takes a read lock so the
// file is not being written mid-stat.
func (l *LocalTree) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return os.Stat(absPath)
}

// PruneEmptyAncestors removes each now-empty ancestor of relPath, walking
// upward and stopping at the first non-empty directory or at the sync
// root, which is never removed.
func (l *LocalTree) PruneEmptyAncestors(relPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(relPath)
	for dir != "." && dir != "/" && dir != "" {
		absPath := filepath.Join(l.dir, dir)
		if !strings.HasPrefix(absPath, l.dir+string(os.PathSeparator)) {
			return
		}

		if err := os.Remove(absPath); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// resolve converts a relative path to an absolute path within the sync
// directory, rejecting path traversal attempts.
func (l *LocalTree) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath := filepath.Join(l.dir, relPath)
	if !strings.HasPrefix(absPath, l.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside sync dir", relPath)
	}
	return absPath, nil
}

// scanLocal walks the sync directory and snapshots every synchronizable
// file and directory. Hidden entries, symlinks, and conflict artifacts are
// skipped. Stat failures on individual entries are logged and skipped; an
// error from the directory listing itself aborts the walk.
func scanLocal(tree *LocalTree, logger *slog.Logger) (*Snapshot, error) {
	snap := newSnapshot()
	dir := tree.Dir()

	err := filepath.WalkDir(dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, absPath)
		if err != nil {
			return err
		}

		// Skip the root directory itself.
		if relPath == "." {
			return nil
		}

		relPath = normalizePath(relPath)

		// Skip hidden files/dirs at any level (like .git).
		base := filepath.Base(absPath)
		if strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Conflict artifacts stay out of every enumeration.
		if IsConflictPath(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Skip symlinks to prevent following links to files outside the
		// sync dir or to special files that could hang or produce
		// unexpected data.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		if d.IsDir() {
			snap.Dirs[relPath] = Entry{Path: relPath, Dir: true}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during scan", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		snap.Files[relPath] = Entry{
			Path:    relPath,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking sync directory: %w", err)
	}

	return snap, nil
}
