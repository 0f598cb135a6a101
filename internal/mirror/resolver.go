package mirror

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// conflictMarker is the reserved token in conflict artifact names.
	// Any path containing it is invisible to the engine: never uploaded,
	// downloaded, deleted, or recorded in the ledger.
	conflictMarker = ".conflict-"

	// conflictStampFormat timestamps artifact names. Sortable and safe in
	// filenames on every platform.
	conflictStampFormat = "20060102-150405"

	// conflictMaxAttempts bounds the numeric disambiguation loop before
	// falling back to a unix-millisecond suffix.
	conflictMaxAttempts = 100
)

// Origin tags a conflict artifact with the side whose change displaced
// the preserved version: artifacts written locally carry OriginRemote,
// artifacts written remotely carry OriginLocal.
type Origin string

// Artifact origin tags.
const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// IsConflictPath reports whether any segment of path names a conflict
// artifact.
func IsConflictPath(p string) bool {
	return strings.Contains(p, conflictMarker)
}

// ConflictArtifactPath builds the artifact name for the losing version of
// p: <basename>.conflict-<origin>-<timestamp><ext>. exists reports whether
// a candidate name is already taken on the side the artifact will live on;
// a numeric suffix is appended only when needed to avoid overwriting an
// earlier artifact.
func ConflictArtifactPath(p string, origin Origin, now time.Time, exists func(string) bool) string {
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	stamp := now.Format(conflictStampFormat)

	candidate := fmt.Sprintf("%s%s%s-%s%s", base, conflictMarker, origin, stamp, ext)
	if !exists(candidate) {
		return candidate
	}

	for i := 2; i <= conflictMaxAttempts; i++ {
		candidate = fmt.Sprintf("%s%s%s-%s-%d%s", base, conflictMarker, origin, stamp, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}

	return fmt.Sprintf("%s%s%s-%s-%d%s", base, conflictMarker, origin, stamp, now.UnixMilli(), ext)
}

// Decision is the outcome of comparing the two sides of one path. The
// caller performs I/O based on the decision.
type Decision int

const (
	// DecisionSkip means the sides are converged (or there is nothing to
	// compare); no transfer is needed.
	DecisionSkip Decision = iota

	// DecisionUpload means the local version should replace the remote
	// one: the file is missing remotely, or local is strictly newer
	// beyond tolerance.
	DecisionUpload

	// DecisionDownload means the file exists only remotely and should be
	// fetched.
	DecisionDownload

	// DecisionConflict means both sides diverged and remote is strictly
	// newer beyond tolerance. Local wins: the local content is kept (and
	// uploaded), while the losing remote version is preserved as a
	// conflict artifact on whichever side the executing phase writes to.
	DecisionConflict
)

// String returns a short name for logging.
func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionUpload:
		return "upload"
	case DecisionDownload:
		return "download"
	case DecisionConflict:
		return "conflict"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Decide compares the two sides of one file path and picks the action.
// Pure decision function with no I/O: either entry may be nil (absent on
// that side), and tolerance is the timestamp window within which the two
// versions count as the same.
func Decide(local, remote *Entry, tolerance time.Duration) Decision {
	// Step 1: present on one side only.
	if local == nil && remote == nil {
		return DecisionSkip
	}

	if local == nil {
		return DecisionDownload
	}

	if remote == nil {
		return DecisionUpload
	}

	// Step 2: directories carry no content to compare.
	if local.Dir || remote.Dir {
		return DecisionSkip
	}

	// Step 3: within tolerance the sides are converged, regardless of
	// which one is nominally newer.
	delta := remote.ModTime.Sub(local.ModTime)
	if delta < 0 {
		if -delta <= tolerance {
			return DecisionSkip
		}

		// Step 4: local strictly newer. Plain upload, no artifact.
		return DecisionUpload
	}

	if delta <= tolerance {
		return DecisionSkip
	}

	// Step 5: remote strictly newer beyond tolerance. Local still wins,
	// but the remote version must be preserved first.
	return DecisionConflict
}
