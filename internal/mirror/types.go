// Package mirror implements the reconciliation engine that keeps a local
// directory tree and a remote tree convergent. Decisions are made from
// last-modified timestamps alone: no content hashing, no version vectors.
// The engine owns one piece of durable state, the baseline ledger of paths
// known present on both sides, which is what lets it tell "deleted on one
// side" apart from "never existed".
package mirror

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Entry describes one file or directory on either side of the sync.
type Entry struct {
	Path    string
	Dir     bool
	ModTime time.Time
	Size    int64
}

// Snapshot is a full recursive listing of one tree, split into files and
// directories keyed by relative path. Conflict artifacts are never part
// of a snapshot.
type Snapshot struct {
	Files map[string]Entry
	Dirs  map[string]Entry
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Files: make(map[string]Entry),
		Dirs:  make(map[string]Entry),
	}
}

// StatusLevel grades a status event.
type StatusLevel string

// Status levels, in increasing severity.
const (
	StatusOK      StatusLevel = "ok"
	StatusWarning StatusLevel = "warning"
	StatusError   StatusLevel = "error"
)

// StatusEvent is pushed to subscribers after every cycle attempt.
type StatusEvent struct {
	Level   StatusLevel `json:"status"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Counters tallies the work performed by one cycle.
type Counters struct {
	Uploaded      int `json:"uploaded"`
	Downloaded    int `json:"downloaded"`
	LocalDeletes  int `json:"local_deletes"`
	RemoteDeletes int `json:"remote_deletes"`
	Conflicts     int `json:"conflicts"`
	Skipped       int `json:"skipped"`
	ItemErrors    int `json:"item_errors"`
}

// Summary renders the counters as a one-line status message.
func (c Counters) Summary() string {
	parts := make([]string, 0, 5)

	if c.Uploaded > 0 {
		parts = append(parts, fmt.Sprintf("%d uploaded", c.Uploaded))
	}

	if c.Downloaded > 0 {
		parts = append(parts, fmt.Sprintf("%d downloaded", c.Downloaded))
	}

	if c.LocalDeletes+c.RemoteDeletes > 0 {
		parts = append(parts, fmt.Sprintf("%d deleted", c.LocalDeletes+c.RemoteDeletes))
	}

	if c.Conflicts > 0 {
		parts = append(parts, fmt.Sprintf("%d conflicts", c.Conflicts))
	}

	if c.ItemErrors > 0 {
		parts = append(parts, fmt.Sprintf("%d errors", c.ItemErrors))
	}

	if len(parts) == 0 {
		return "in sync"
	}

	return "synced: " + strings.Join(parts, ", ")
}

// normalizePath canonicalizes a relative path: non-breaking spaces become
// regular spaces, repeated slashes collapse, leading/trailing slashes are
// trimmed, and the result is Unicode NFC normalized. Every path entering
// the engine (local walks, remote listings, watcher events) passes through
// here so both sides agree on the key for a file.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
