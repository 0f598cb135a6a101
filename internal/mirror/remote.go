package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/foldsync/foldsync/internal/errors"
)

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=mirror

// RemoteStore is the transport the engine syncs against. Implementations
// map their protocol's failure modes onto the sentinel errors in
// internal/errors so the engine can decide what is transient, what is an
// expected miss, and what is fatal for the cycle.
type RemoteStore interface {
	// List returns the direct children of a directory. path "" or "/"
	// lists the root. Failures here abort the running walk.
	List(ctx context.Context, path string) ([]Entry, error)

	// Stat returns the entry for a single path, or ErrNotFound.
	Stat(ctx context.Context, path string) (Entry, error)

	// Read returns a file's content.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores content at path and returns the modification time the
	// store assigned, so the caller can align the local timestamp.
	Write(ctx context.Context, path string, data []byte) (time.Time, error)

	// Mkdir creates a directory. Creating one that already exists is not
	// an error.
	Mkdir(ctx context.Context, path string) error

	// Delete removes a file, or a directory only when it is empty.
	Delete(ctx context.Context, path string) error

	// Copy duplicates a file server-side without a download round trip.
	// Used to preserve the remote version before an upload overwrites it.
	Copy(ctx context.Context, src, dst string) error
}

// snapshotRemote walks the remote tree breadth-first and snapshots every
// file and directory. Hidden entries and entries whose names carry the
// conflict marker are excluded, same as the local scan; a skipped hidden
// directory prunes its whole subtree. Any listing failure aborts the
// snapshot; a partial view of the remote tree must never feed deletion
// reconciliation.
func snapshotRemote(ctx context.Context, remote RemoteStore, logger *slog.Logger) (*Snapshot, error) {
	snap := newSnapshot()
	queue := []string{""}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := remote.List(ctx, dir)
		if err != nil {
			if dir != "" && errors.NotFound(err) {
				// A directory removed between its parent's listing and
				// its own is a benign race, not a failed walk.
				logger.Debug("remote directory vanished during walk", slog.String("path", dir))
				continue
			}
			return nil, fmt.Errorf("listing remote %q: %w", dir, err)
		}

		for _, e := range entries {
			p := normalizePath(e.Path)
			if p == "" || IsConflictPath(p) {
				continue
			}
			// Hidden entries stay out, same as the local scan: a dotfile
			// downloaded anyway would be invisible to every later scan and
			// re-download on every cycle.
			if strings.HasPrefix(path.Base(p), ".") {
				continue
			}
			e.Path = p
			if e.Dir {
				snap.Dirs[p] = e
				queue = append(queue, p)
				continue
			}
			snap.Files[p] = e
		}
	}

	return snap, nil
}
