package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldsync/foldsync/internal/mirror"
	"github.com/foldsync/foldsync/internal/remote"
	"github.com/foldsync/foldsync/internal/state"
)

const (
	testUsername = "e2euser"
	testPassword = "e2epass"
	testDevice   = "e2e-laptop"
)

// memFile is one stored file on the in-memory server.
type memFile struct {
	data  []byte
	mtime time.Time
}

// memServer is an in-memory file server speaking the sync HTTP API, with
// knobs for revoking the session token and simulating an outage.
type memServer struct {
	mu      sync.Mutex
	files   map[string]memFile
	dirs    map[string]bool
	token   string
	signins int
	failing bool
}

func newMemServer() *memServer {
	return &memServer{
		files: make(map[string]memFile),
		dirs:  make(map[string]bool),
	}
}

func (s *memServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/signin", s.handleSignin)
	mux.HandleFunc("/api/list", s.authed(s.handleList))
	mux.HandleFunc("/api/stat", s.authed(s.handleStat))
	mux.HandleFunc("/api/file", s.authed(s.handleFile))
	mux.HandleFunc("/api/mkdir", s.authed(s.handleMkdir))
	mux.HandleFunc("/api/entry", s.authed(s.handleDelete))
	mux.HandleFunc("/api/copy", s.authed(s.handleCopy))
	return mux
}

// --- server state the tests poke at ---

func (s *memServer) seed(p, content string, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = memFile{data: []byte(content), mtime: mtime}
	s.ensureParents(p)
}

func (s *memServer) remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, p)
	delete(s.dirs, p)
}

func (s *memServer) content(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[p]
	return string(f.data), ok
}

func (s *memServer) has(p string) bool {
	_, ok := s.content(p)
	return ok
}

func (s *memServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	return out
}

// conflictPaths returns the server-side conflict artifacts.
func (s *memServer) conflictPaths() []string {
	var out []string
	for _, p := range s.paths() {
		if mirror.IsConflictPath(p) {
			out = append(out, p)
		}
	}
	return out
}

// invalidateToken revokes the current session, so every authenticated
// request fails until the client signs in again.
func (s *memServer) invalidateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// setFailing makes every authenticated endpoint return 503 while true.
func (s *memServer) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *memServer) signinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signins
}

// ensureParents registers every ancestor directory of p. Called with mu
// held.
func (s *memServer) ensureParents(p string) {
	for d := path.Dir(p); d != "." && d != "/" && d != ""; d = path.Dir(d) {
		s.dirs[d] = true
	}
}

// --- handlers ---

func (s *memServer) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		failing := s.failing
		s.mu.Unlock()

		if token == "" || r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, remote.APIError{Error: "invalid token"})
			return
		}
		if failing {
			writeJSON(w, http.StatusServiceUnavailable, remote.APIError{Error: "maintenance"})
			return
		}
		next(w, r)
	}
}

func (s *memServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req remote.SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.APIError{Error: "bad request"})
		return
	}
	if req.Username != testUsername || req.Password != testPassword {
		writeJSON(w, http.StatusUnauthorized, remote.APIError{Error: "bad credentials"})
		return
	}

	s.mu.Lock()
	s.signins++
	s.token = "session-" + time.Now().Format("150405.000000000")
	token := s.token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, remote.SigninResponse{Token: token})
}

func (s *memServer) handleList(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir != "" && !s.dirs[dir] {
		writeJSON(w, http.StatusNotFound, remote.APIError{Error: "no such directory"})
		return
	}

	entries := []remote.EntryInfo{}
	for p, f := range s.files {
		if parentOf(p) == dir {
			entries = append(entries, remote.EntryInfo{Path: p, Mtime: f.mtime.UnixMilli(), Size: int64(len(f.data))})
		}
	}
	for p := range s.dirs {
		if parentOf(p) == dir {
			entries = append(entries, remote.EntryInfo{Path: p, Dir: true})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *memServer) handleStat(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p == "":
		writeJSON(w, http.StatusOK, remote.EntryInfo{Path: "", Dir: true})
	case s.dirs[p]:
		writeJSON(w, http.StatusOK, remote.EntryInfo{Path: p, Dir: true})
	default:
		f, ok := s.files[p]
		if !ok {
			writeJSON(w, http.StatusNotFound, remote.APIError{Error: "no such entry"})
			return
		}
		writeJSON(w, http.StatusOK, remote.EntryInfo{Path: p, Mtime: f.mtime.UnixMilli(), Size: int64(len(f.data))})
	}
}

func (s *memServer) handleFile(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")

	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		f, ok := s.files[p]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, remote.APIError{Error: "no such entry"})
			return
		}
		_, _ = w.Write(f.data)

	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, remote.APIError{Error: "bad request"})
			return
		}
		mtime := time.Now()
		s.mu.Lock()
		s.files[p] = memFile{data: data, mtime: mtime}
		s.ensureParents(p)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, remote.WriteResponse{Mtime: mtime.UnixMilli()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *memServer) handleMkdir(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")

	s.mu.Lock()
	s.dirs[p] = true
	s.ensureParents(p)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *memServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[p]; ok {
		delete(s.files, p)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if s.dirs[p] {
		for child := range s.files {
			if parentOf(child) == p {
				writeJSON(w, http.StatusConflict, remote.APIError{Error: "directory not empty"})
				return
			}
		}
		for child := range s.dirs {
			if parentOf(child) == p {
				writeJSON(w, http.StatusConflict, remote.APIError{Error: "directory not empty"})
				return
			}
		}
		delete(s.dirs, p)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusNotFound, remote.APIError{Error: "no such entry"})
}

func (s *memServer) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req remote.CopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, remote.APIError{Error: "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.files[req.Src]
	if !ok {
		writeJSON(w, http.StatusNotFound, remote.APIError{Error: "no such entry"})
		return
	}
	s.files[req.Dst] = src
	s.ensureParents(req.Dst)
	writeJSON(w, http.StatusOK, struct{}{})
}

// parentOf returns the parent directory of p, with "" for top-level
// entries, matching the list API's path parameter.
func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- status event capture ---

type eventLog struct {
	mu     sync.Mutex
	events []mirror.StatusEvent
}

func (l *eventLog) record(ev mirror.StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// at returns the i-th event (zero-based).
func (l *eventLog) at(i int) mirror.StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[i]
}

// anyContains reports whether any recorded event message contains sub.
func (l *eventLog) anyContains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if strings.Contains(ev.Message, sub) {
			return true
		}
	}
	return false
}

// --- harness ---

// harness holds the full stack under test: the real HTTP client talking
// to an in-memory server, a real directory on disk, and a real state
// file. Only the server side is faked.
type harness struct {
	Server *memServer
	Local  *mirror.LocalTree
	Engine *mirror.Engine
	Events *eventLog
	Store  *state.State
}

// newHarness starts an httptest server around a fresh memServer and
// wires a client, local tree, state store, and engine to it. The engine
// is not running yet; call start or drive it directly.
func newHarness(t *testing.T) *harness {
	t.Helper()

	server := newMemServer()
	httpSrv := httptest.NewServer(server.handler())
	t.Cleanup(httpSrv.Close)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.DiscardHandler)

	client := remote.NewClient(remote.Config{
		BaseURL:  httpSrv.URL,
		Username: testUsername,
		Password: testPassword,
		Device:   testDevice,
		Cache:    store,
	}, logger)

	local := mirror.NewLocalTree(t.TempDir())
	events := &eventLog{}

	engine := mirror.NewEngine(mirror.EngineConfig{
		Local:     local,
		Remote:    client,
		Store:     store,
		Confirm:   mirror.AutoConfirmer{},
		Profile:   state.ProfileID(httpSrv.URL, testUsername, local.Dir()),
		Tolerance: 3 * time.Second,
		Interval:  5 * time.Minute,
		OnStatus:  events.record,
	}, logger)

	return &harness{
		Server: server,
		Local:  local,
		Engine: engine,
		Events: events,
		Store:  store,
	}
}

// start launches the engine loop in the background; the first cycle
// runs immediately. The loop is stopped during test cleanup.
func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Engine.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("engine loop did not stop")
		}
	})
}

// waitForEvents blocks until at least n status events were emitted.
func (h *harness) waitForEvents(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Events.count() >= n
	}, 10*time.Second, 25*time.Millisecond, "waiting for %d status events", n)
}

// kickAndWait requests an extra cycle and blocks until at least n
// status events were emitted. The kick is repeated on every poll: a
// kick can be absorbed by the drop-while-busy guard when it races a
// finishing cycle, so a single send is not enough.
func (h *harness) kickAndWait(t *testing.T, n int) {
	t.Helper()
	h.kickUntil(t, func() bool { return h.Events.count() >= n })
}

// kickUntil keeps requesting cycles until cond holds.
func (h *harness) kickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.Engine.Kick()
		return false
	}, 10*time.Second, 25*time.Millisecond, "condition not reached while kicking cycles")
}

func (h *harness) writeLocal(t *testing.T, relPath, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, h.Local.WriteFile(relPath, []byte(content), mtime))
}

func (h *harness) readLocal(t *testing.T, relPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Local.Dir(), relPath))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) localExists(relPath string) bool {
	_, err := os.Stat(filepath.Join(h.Local.Dir(), relPath))
	return err == nil
}

func (h *harness) removeLocal(t *testing.T, relPath string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(h.Local.Dir(), relPath)))
}

// localConflicts returns conflict artifacts anywhere in the local tree.
func (h *harness) localConflicts() []string {
	var out []string
	root := h.Local.Dir()
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr == nil && mirror.IsConflictPath(rel) {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	return out
}
