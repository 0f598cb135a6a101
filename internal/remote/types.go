package remote

import (
	"time"

	"github.com/foldsync/foldsync/internal/mirror"
)

// SigninRequest is the payload for POST /api/signin.
type SigninRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// SigninResponse is returned from POST /api/signin.
type SigninResponse struct {
	Token string `json:"token"`
}

// EntryInfo is the wire form of a file or directory entry, as returned
// by GET /api/list and GET /api/stat. Mtime is milliseconds since the
// Unix epoch; zero means the server did not report one.
type EntryInfo struct {
	Path  string `json:"path"`
	Dir   bool   `json:"dir"`
	Mtime int64  `json:"mtime"`
	Size  int64  `json:"size"`
}

// WriteResponse is returned from PUT /api/file and carries the
// modification time the server assigned to the stored file.
type WriteResponse struct {
	Mtime int64 `json:"mtime"`
}

// CopyRequest is the payload for POST /api/copy.
type CopyRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// APIError represents an error response body from the endpoint.
type APIError struct {
	Error string `json:"error"`
}

func (i EntryInfo) toEntry() mirror.Entry {
	e := mirror.Entry{
		Path: i.Path,
		Dir:  i.Dir,
		Size: i.Size,
	}
	if i.Mtime > 0 {
		e.ModTime = time.UnixMilli(i.Mtime).UTC()
	}
	return e
}
