package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/foldsync/foldsync/internal/errors"
)

// deletePreviewLimit caps how many candidate paths a confirmation prompt
// shows. The prompt always carries the full count alongside the preview.
const deletePreviewLimit = 10

// deletionBatch is one confirmable set of deletion candidates. files and
// dirs are kept sorted so the fingerprint and preview are deterministic
// for a given candidate set.
type deletionBatch struct {
	files []string
	dirs  []string
}

func (b deletionBatch) empty() bool {
	return len(b.files) == 0 && len(b.dirs) == 0
}

func (b deletionBatch) total() int {
	return len(b.files) + len(b.dirs)
}

// fingerprint identifies the candidate set. Declining a batch suppresses
// further prompts for the identical fingerprint within the same cycle;
// any change to the set produces a new fingerprint and prompts again.
func (b deletionBatch) fingerprint() string {
	h := sha256.New()
	for _, d := range b.dirs {
		io.WriteString(h, "dir:"+d+"\n")
	}
	for _, f := range b.files {
		io.WriteString(h, "file:"+f+"\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// preview returns up to deletePreviewLimit example paths, directories
// first. Directories carry a trailing slash so the prompt reads clearly.
func (b deletionBatch) preview() []string {
	out := make([]string, 0, deletePreviewLimit)
	for _, d := range b.dirs {
		if len(out) == deletePreviewLimit {
			return out
		}
		out = append(out, d+"/")
	}
	for _, f := range b.files {
		if len(out) == deletePreviewLimit {
			return out
		}
		out = append(out, f)
	}
	return out
}

// remoteOriginCandidates computes deletions to apply locally: ledger
// files gone from the remote but still present locally, plus every local
// directory with no remote counterpart. A file absent from the ledger is
// "never mutually seen", not "deleted", so it is never a candidate.
func remoteOriginCandidates(ledger map[string]bool, local, remote *Snapshot) deletionBatch {
	var files []string
	for p := range ledger {
		if _, ok := remote.Files[p]; ok {
			continue
		}
		if _, ok := local.Files[p]; !ok {
			continue
		}
		files = append(files, p)
	}

	var dirs []string
	for d := range local.Dirs {
		if _, ok := remote.Dirs[d]; !ok {
			dirs = append(dirs, d)
		}
	}

	sort.Strings(files)
	sort.Strings(dirs)
	return deletionBatch{files: files, dirs: dirs}
}

// localOriginCandidates computes deletions to apply remotely: ledger
// files no longer observed in the local walk. Paths gone from both sides
// are excluded; there is nothing destructive left to confirm for them.
func localOriginCandidates(ledger map[string]bool, local, remote *Snapshot) deletionBatch {
	var files []string
	for p := range ledger {
		if _, ok := local.Files[p]; ok {
			continue
		}
		if _, ok := remote.Files[p]; !ok {
			continue
		}
		files = append(files, p)
	}

	sort.Strings(files)
	return deletionBatch{files: files}
}

// byDepthDesc orders paths deepest-first so directories empty out
// bottom-up before their parents are attempted.
func byDepthDesc(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

// confirmBatch runs the confirmation gate for a batch. A decline is
// remembered by fingerprint for the rest of the cycle so the identical
// set is not asked about twice within one attempt.
func (e *Engine) confirmBatch(ctx context.Context, title string, batch deletionBatch) bool {
	fp := batch.fingerprint()
	if fp == e.declined {
		e.logger.Debug("deletion set already declined this cycle",
			slog.Int("count", batch.total()),
		)
		return false
	}

	if e.confirm.ConfirmDeletions(ctx, title, batch.total(), batch.preview()) {
		return true
	}

	e.declined = fp
	e.logger.Info("deletions declined",
		slog.Int("count", batch.total()),
	)
	return false
}

// reconcileRemoteDeletions applies server-side deletions to the local
// tree, gated on confirmation. Runs before the upload walk so a file the
// server deleted is not immediately re-uploaded. A decline (or an empty
// candidate set) leaves the rest of the cycle untouched; declined file
// candidates are returned so their baseline entries survive the
// cycle-end rewrite even if re-uploading them fails.
func (e *Engine) reconcileRemoteDeletions(ctx context.Context, ledger map[string]bool, remoteSnap *Snapshot, counters *Counters) ([]string, error) {
	localSnap, err := scanLocal(e.local, e.logger)
	if err != nil {
		return nil, err
	}

	batch := remoteOriginCandidates(ledger, localSnap, remoteSnap)
	if batch.empty() {
		return nil, nil
	}

	e.logger.Info("server-side deletions detected",
		slog.Int("files", len(batch.files)),
		slog.Int("dirs", len(batch.dirs)),
	)

	if !e.confirmBatch(ctx, "Remove local copies of items deleted on the server?", batch) {
		return batch.files, nil
	}

	e.applyLocalDeletions(batch, ledger, counters)

	if err := e.store.SaveLedger(e.profile, ledger); err != nil {
		// The cycle-end rewrite will retry; losing this intermediate
		// save only risks re-prompting next cycle.
		e.logger.Warn("failed to persist ledger after deletions",
			slog.String("error", err.Error()),
		)
	}
	return nil, nil
}

// applyLocalDeletions removes confirmed files, then directories
// deepest-first. Each applied file comes out of the in-memory ledger
// immediately; failures keep their ledger entry so the candidate shows
// up again next cycle. Only empty directories are ever removed.
func (e *Engine) applyLocalDeletions(batch deletionBatch, ledger map[string]bool, counters *Counters) {
	for _, p := range batch.files {
		if err := e.local.DeleteFile(p); err != nil {
			e.logger.Warn("failed to delete local file",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			counters.ItemErrors++
			continue
		}
		delete(ledger, p)
		counters.LocalDeletes++
		e.logger.Info("deleted local file", slog.String("path", p))
	}

	for _, d := range byDepthDesc(batch.dirs) {
		if _, err := e.local.Stat(d); os.IsNotExist(err) {
			// Already gone, removed while pruning a deeper sibling.
			continue
		}
		removed, err := e.local.DeleteDirIfEmpty(d)
		if err != nil {
			e.logger.Warn("failed to remove local directory",
				slog.String("path", d),
				slog.String("error", err.Error()),
			)
			counters.ItemErrors++
			continue
		}
		if !removed {
			e.logger.Debug("directory still has content, kept", slog.String("path", d))
			continue
		}
		counters.LocalDeletes++
		e.logger.Info("removed local directory", slog.String("path", d))
		e.local.PruneEmptyAncestors(d)
	}
}

// applyRemoteDeletions removes confirmed files from the remote store.
// A not-found response means the path is already gone, which is the goal
// state, so the ledger entry is dropped the same as for a clean delete.
func (e *Engine) applyRemoteDeletions(ctx context.Context, batch deletionBatch, ledger map[string]bool, counters *Counters) {
	for _, p := range batch.files {
		if err := e.remote.Delete(ctx, p); err != nil && !errors.NotFound(err) {
			e.logger.Warn("failed to delete remote file",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			counters.ItemErrors++
			continue
		}
		delete(ledger, p)
		counters.RemoteDeletes++
		e.logger.Info("deleted remote file", slog.String("path", p))
	}
}
