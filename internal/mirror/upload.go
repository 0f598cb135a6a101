package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// uploadPhase walks the local tree and pushes changes to the remote
// store. It also harvests local-origin deletions (baseline files the walk
// no longer observes) and applies them remotely behind the confirmation
// gate. At the end the baseline ledger is rebuilt from what this walk
// observed as mutually present, plus heldPaths, the files whose deletion
// was declined and whose baseline entries must survive the rewrite.
func (e *Engine) uploadPhase(ctx context.Context, ledger map[string]bool, remoteSnap *Snapshot, heldPaths []string, counters *Counters, archived map[string]bool) error {
	localSnap, err := scanLocal(e.local, e.logger)
	if err != nil {
		return err
	}

	batch := localOriginCandidates(ledger, localSnap, remoteSnap)
	if !batch.empty() {
		e.logger.Info("locally deleted files detected",
			slog.Int("files", len(batch.files)),
		)
		if e.confirmBatch(ctx, "Delete files on the server that were removed locally?", batch) {
			e.applyRemoteDeletions(ctx, batch, ledger, counters)
		} else {
			// Declined: the baseline keeps these so they stay flagged as
			// pending deletions. The download walk restores them locally.
			heldPaths = append(heldPaths, batch.files...)
		}
	}

	e.createRemoteDirs(ctx, localSnap, remoteSnap, counters)

	mutual := e.pushFiles(ctx, localSnap, remoteSnap, counters, archived)

	next := make(map[string]bool, len(mutual)+len(heldPaths))
	for p := range mutual {
		next[p] = true
	}
	for _, p := range heldPaths {
		next[p] = true
	}
	if err := e.store.SaveLedger(e.profile, next); err != nil {
		e.logger.Warn("failed to persist baseline",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// pushFiles dispatches the resolver's decision for every local file and
// returns the set of paths observed present on both sides afterwards.
// Per-file failures are logged and counted, never fatal to the walk.
func (e *Engine) pushFiles(ctx context.Context, localSnap, remoteSnap *Snapshot, counters *Counters, archived map[string]bool) map[string]bool {
	mutual := make(map[string]bool, len(localSnap.Files))

	paths := make([]string, 0, len(localSnap.Files))
	for p := range localSnap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		localEntry := localSnap.Files[p]
		var remoteEntry *Entry
		if re, ok := remoteSnap.Files[p]; ok {
			remoteEntry = &re
		}

		switch Decide(&localEntry, remoteEntry, e.tolerance) {
		case DecisionSkip:
			if remoteEntry != nil {
				mutual[p] = true
				counters.Skipped++
			}

		case DecisionUpload:
			if err := e.uploadOne(ctx, p); err != nil {
				e.logger.Warn("upload failed",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				counters.ItemErrors++
				if remoteEntry != nil {
					mutual[p] = true
				}
				continue
			}
			mutual[p] = true
			counters.Uploaded++
			e.logger.Info("uploaded", slog.String("path", p))

		case DecisionConflict:
			// Local wins. Preserve the remote version as an artifact
			// before overwriting it; if preservation fails, leave both
			// versions in place rather than destroy the remote edit.
			if !e.archiveRemote(ctx, p, counters) {
				mutual[p] = true
				continue
			}
			archived[p] = true
			if err := e.uploadOne(ctx, p); err != nil {
				e.logger.Warn("upload after conflict archive failed",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				counters.ItemErrors++
				mutual[p] = true
				continue
			}
			mutual[p] = true
			counters.Uploaded++
			e.logger.Info("uploaded over archived remote version", slog.String("path", p))
		}
	}

	return mutual
}

// createRemoteDirs creates every local directory missing on the remote,
// parents first, so nested uploads have a place to land and empty local
// directories propagate.
func (e *Engine) createRemoteDirs(ctx context.Context, localSnap, remoteSnap *Snapshot, counters *Counters) {
	var dirs []string
	for d := range localSnap.Dirs {
		if _, ok := remoteSnap.Dirs[d]; !ok {
			dirs = append(dirs, d)
		}
	}
	sort.Strings(dirs)

	for _, d := range dirs {
		if err := e.remote.Mkdir(ctx, d); err != nil {
			e.logger.Warn("failed to create remote directory",
				slog.String("path", d),
				slog.String("error", err.Error()),
			)
			counters.ItemErrors++
			continue
		}
		e.logger.Debug("created remote directory", slog.String("path", d))
	}
}

// uploadOne pushes one file and aligns the local mtime with the stamp
// the remote assigned, so the pair compares as converged afterwards
// instead of re-flagging as divergent.
func (e *Engine) uploadOne(ctx context.Context, p string) error {
	data, err := e.local.ReadFile(p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}

	mtime, err := e.remote.Write(ctx, p, data)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", p, err)
	}

	if mtime.IsZero() {
		entry, err := e.remote.Stat(ctx, p)
		if err != nil {
			e.logger.Warn("could not re-read remote mtime after upload",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			return nil
		}
		mtime = entry.ModTime
	}

	if err := e.local.SetModTime(p, mtime); err != nil {
		e.logger.Warn("failed to align local mtime after upload",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// archiveRemote copies the remote version of p to a conflict artifact
// next to it, keeping the losing edit recoverable. Reports whether the
// copy succeeded; the caller must not overwrite the remote file when it
// did not.
func (e *Engine) archiveRemote(ctx context.Context, p string, counters *Counters) bool {
	exists := func(q string) bool {
		_, err := e.remote.Stat(ctx, q)
		return err == nil
	}
	artifact := ConflictArtifactPath(p, OriginLocal, time.Now(), exists)

	if err := e.remote.Copy(ctx, p, artifact); err != nil {
		e.logger.Warn("failed to preserve remote version, leaving both sides in place",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
		counters.ItemErrors++
		return false
	}

	counters.Conflicts++
	e.logger.Info("divergent edit, preserved remote version",
		slog.String("path", p),
		slog.String("artifact", artifact),
	)
	return true
}
