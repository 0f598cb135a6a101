package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foldsync/foldsync/internal/errors"
	"github.com/foldsync/foldsync/internal/state"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testProfile = "testprofile"

// fakeFile is one remote file in the in-memory store.
type fakeFile struct {
	data  []byte
	mtime time.Time
}

// fakeRemote is an in-memory RemoteStore. Write stamps files with the
// store's clock, like a server assigning its own mtimes. listErr, when
// set, fails every List call, simulating an unreachable server.
type fakeRemote struct {
	mu    sync.Mutex
	files map[string]fakeFile
	dirs  map[string]bool
	now   func() time.Time

	listErr  error
	writeErr map[string]error
	copyErr  error

	writes  int
	deletes int
	reads   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    make(map[string]fakeFile),
		dirs:     make(map[string]bool),
		now:      time.Now,
		writeErr: make(map[string]error),
	}
}

// seed places a file (and its parent directories) without counting as a
// write.
func (f *fakeRemote) seed(p, content string, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = fakeFile{data: []byte(content), mtime: mtime}
	f.addParents(p)
}

// seedDir places a directory (and its parents).
func (f *fakeRemote) seedDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[p] = true
	f.addParents(p)
}

// remove deletes a file or directory outright, simulating an edit made
// by another client.
func (f *fakeRemote) remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	delete(f.dirs, p)
}

func (f *fakeRemote) addParents(p string) {
	for dir := parentOf(p); dir != ""; dir = parentOf(dir) {
		f.dirs[dir] = true
	}
}

func (f *fakeRemote) content(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[p]
	return string(ff.data), ok
}

func (f *fakeRemote) mtime(p string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[p].mtime
}

func (f *fakeRemote) hasDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[p]
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeRemote) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files {
		out = append(out, p)
	}
	return out
}

func parentOf(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (f *fakeRemote) List(_ context.Context, dir string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	if dir != "" && !f.dirs[dir] {
		return nil, fmt.Errorf("listing %s: %w", dir, errors.ErrNotFound)
	}

	var out []Entry
	for d := range f.dirs {
		if parentOf(d) == dir {
			out = append(out, Entry{Path: d, Dir: true})
		}
	}
	for p, ff := range f.files {
		if parentOf(p) == dir {
			out = append(out, Entry{Path: p, ModTime: ff.mtime, Size: int64(len(ff.data))})
		}
	}
	return out, nil
}

func (f *fakeRemote) Stat(_ context.Context, p string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p == "" {
		return Entry{Path: "", Dir: true}, nil
	}
	if ff, ok := f.files[p]; ok {
		return Entry{Path: p, ModTime: ff.mtime, Size: int64(len(ff.data))}, nil
	}
	if f.dirs[p] {
		return Entry{Path: p, Dir: true}, nil
	}
	return Entry{}, fmt.Errorf("stat %s: %w", p, errors.ErrNotFound)
}

func (f *fakeRemote) Read(_ context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	ff, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", p, errors.ErrNotFound)
	}
	return append([]byte(nil), ff.data...), nil
}

func (f *fakeRemote) Write(_ context.Context, p string, data []byte) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writeErr[p]; err != nil {
		return time.Time{}, err
	}

	stamp := f.now()
	f.files[p] = fakeFile{data: append([]byte(nil), data...), mtime: stamp}
	f.addParents(p)
	f.writes++
	return stamp, nil
}

func (f *fakeRemote) Mkdir(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[p] = true
	f.addParents(p)
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[p]; ok {
		delete(f.files, p)
		f.deletes++
		return nil
	}
	if f.dirs[p] {
		for q := range f.files {
			if parentOf(q) == p {
				return fmt.Errorf("directory %s not empty", p)
			}
		}
		for d := range f.dirs {
			if parentOf(d) == p {
				return fmt.Errorf("directory %s not empty", p)
			}
		}
		delete(f.dirs, p)
		f.deletes++
		return nil
	}
	return fmt.Errorf("deleting %s: %w", p, errors.ErrNotFound)
}

func (f *fakeRemote) Copy(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.copyErr != nil {
		return f.copyErr
	}
	ff, ok := f.files[src]
	if !ok {
		return fmt.Errorf("copying %s: %w", src, errors.ErrNotFound)
	}
	f.files[dst] = fakeFile{data: append([]byte(nil), ff.data...), mtime: ff.mtime}
	return nil
}

// promptCall records one confirmation request.
type promptCall struct {
	title   string
	total   int
	preview []string
}

// promptRecorder is a Confirmer that records every request and answers
// with a scripted response.
type promptRecorder struct {
	mu      sync.Mutex
	answer  bool
	prompts []promptCall
}

func (p *promptRecorder) ConfirmDeletions(_ context.Context, title string, total int, preview []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, promptCall{title: title, total: total, preview: preview})
	return p.answer
}

func (p *promptRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *promptRecorder) lastCall() promptCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return promptCall{}
	}
	return p.prompts[len(p.prompts)-1]
}

// statusRecorder captures emitted status events.
type statusRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *statusRecorder) record(ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) all() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func (r *statusRecorder) lastEvent() StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return StatusEvent{}
	}
	return r.events[len(r.events)-1]
}

// fixture wires an Engine to a temp local tree, an in-memory remote, and
// a real state database.
type fixture struct {
	t       *testing.T
	local   *LocalTree
	remote  *fakeRemote
	store   *state.State
	confirm *promptRecorder
	status  *statusRecorder
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local := NewLocalTree(t.TempDir())
	remote := newFakeRemote()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	confirm := &promptRecorder{answer: true}
	status := &statusRecorder{}

	engine := NewEngine(EngineConfig{
		Local:     local,
		Remote:    remote,
		Store:     st,
		Confirm:   confirm,
		Profile:   testProfile,
		Tolerance: 3 * time.Second,
		Interval:  5 * time.Minute,
		OnStatus:  status.record,
	}, quietLogger)

	return &fixture{
		t:       t,
		local:   local,
		remote:  remote,
		store:   st,
		confirm: confirm,
		status:  status,
		engine:  engine,
	}
}

func (f *fixture) cycle() {
	f.t.Helper()
	f.engine.runCycle(context.Background())
}

func (f *fixture) ledger() map[string]bool {
	return f.store.Ledger(testProfile)
}

func (f *fixture) writeLocal(p, content string, mtime time.Time) {
	f.t.Helper()
	require.NoError(f.t, f.local.WriteFile(p, []byte(content), mtime))
}

func (f *fixture) readLocal(p string) string {
	f.t.Helper()
	data, err := f.local.ReadFile(p)
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) localExists(p string) bool {
	_, err := f.local.Stat(p)
	return err == nil
}
