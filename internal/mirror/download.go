package mirror

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// downloadPhase walks the remote tree and pulls changes into the local
// tree. The remote is re-listed rather than reusing the cycle's earlier
// snapshot: the upload phase just rewrote parts of it, and comparing
// against stale mtimes would re-flag freshly uploaded files as divergent.
func (e *Engine) downloadPhase(ctx context.Context, counters *Counters, archived map[string]bool) error {
	remoteSnap, err := snapshotRemote(ctx, e.remote, e.logger)
	if err != nil {
		return err
	}

	localSnap, err := scanLocal(e.local, e.logger)
	if err != nil {
		return err
	}

	e.createLocalDirs(remoteSnap, localSnap, counters)

	paths := make([]string, 0, len(remoteSnap.Files))
	for p := range remoteSnap.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		remoteEntry := remoteSnap.Files[p]
		var localEntry *Entry
		if le, ok := localSnap.Files[p]; ok {
			localEntry = &le
		}

		switch Decide(localEntry, &remoteEntry, e.tolerance) {
		case DecisionDownload:
			e.downloadOne(ctx, p, remoteEntry.ModTime, counters)

		case DecisionConflict:
			// Local wins here too: the existing local file is never
			// replaced. The remote version is fetched and kept as a
			// local artifact instead, at most once per cycle per path.
			if archived[p] {
				e.logger.Debug("conflict already archived this cycle", slog.String("path", p))
				continue
			}
			e.archiveLocal(ctx, p, remoteEntry, counters)

		case DecisionUpload:
			// Pushing is not this walk's job; the upload phase of the
			// next cycle picks it up.
		}
	}

	return nil
}

// createLocalDirs materializes remote-only directories locally, parents
// first, mirroring what the upload phase does in the other direction.
func (e *Engine) createLocalDirs(remoteSnap, localSnap *Snapshot, counters *Counters) {
	var dirs []string
	for d := range remoteSnap.Dirs {
		if _, ok := localSnap.Dirs[d]; !ok {
			dirs = append(dirs, d)
		}
	}
	sort.Strings(dirs)

	for _, d := range dirs {
		if err := e.local.MkdirAll(d); err != nil {
			e.logger.Warn("failed to create local directory",
				slog.String("path", d),
				slog.String("error", err.Error()),
			)
			counters.ItemErrors++
			continue
		}
		e.logger.Debug("created local directory", slog.String("path", d))
	}
}

// downloadOne fetches one file and writes it with the remote mtime, so
// the pair compares as converged on the next cycle.
func (e *Engine) downloadOne(ctx context.Context, p string, mtime time.Time, counters *Counters) {
	data, err := e.remote.Read(ctx, p)
	if err != nil {
		e.logger.Warn("download failed",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
		counters.ItemErrors++
		return
	}

	if err := e.local.WriteFile(p, data, mtime); err != nil {
		e.logger.Warn("failed to write downloaded file",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
		counters.ItemErrors++
		return
	}

	counters.Downloaded++
	e.logger.Info("downloaded", slog.String("path", p))
}

// archiveLocal stores the remote version of p as a local conflict
// artifact next to the file it lost to. The artifact keeps the remote
// mtime so the preserved version's provenance stays visible.
func (e *Engine) archiveLocal(ctx context.Context, p string, remoteEntry Entry, counters *Counters) {
	data, err := e.remote.Read(ctx, p)
	if err != nil {
		e.logger.Warn("failed to fetch remote version for preservation",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
		counters.ItemErrors++
		return
	}

	exists := func(q string) bool {
		_, err := e.local.Stat(q)
		return err == nil
	}
	artifact := ConflictArtifactPath(p, OriginRemote, time.Now(), exists)

	if err := e.local.WriteFile(artifact, data, remoteEntry.ModTime); err != nil {
		e.logger.Warn("failed to write conflict artifact",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
		counters.ItemErrors++
		return
	}

	counters.Conflicts++
	e.logger.Info("divergent edit, kept local version, stored remote copy",
		slog.String("path", p),
		slog.String("artifact", artifact),
	)
}
