package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Session ties an engine to a start/stop lifecycle. Run blocks for the
// life of the process; Stop and Start toggle the periodic loop underneath
// it, so a control surface can pause syncing without ending the process.
type Session struct {
	local  *LocalTree
	remote RemoteStore
	engine *Engine
	logger *slog.Logger

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session around an engine.
func NewSession(local *LocalTree, remote RemoteStore, engine *Engine, logger *slog.Logger) *Session {
	return &Session{
		local:  local,
		remote: remote,
		engine: engine,
		logger: logger,
	}
}

// Run starts the loop and blocks until ctx is cancelled. An initial
// probe failure is returned directly and no loop starts.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// Start probes the remote root, creates the local root if absent, and
// launches the periodic loop. No-op when the loop is already active.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.logger.Debug("session already active")
		return nil
	}
	if s.parent == nil {
		return fmt.Errorf("session not running")
	}

	if _, err := s.remote.Stat(ctx, ""); err != nil {
		return fmt.Errorf("probing remote root: %w", err)
	}
	if err := os.MkdirAll(s.local.Dir(), 0755); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	loopCtx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.engine.Run(loopCtx)
	}()

	s.logger.Info("sync loop started")
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to unwind.
// Idempotent; a stopped session can be started again.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync loop stopped")
}

// Retry resets backoff and requests an immediate cycle. No-op when the
// loop is not active.
func (s *Session) Retry() {
	s.mu.Lock()
	active := s.cancel != nil
	s.mu.Unlock()

	if !active {
		s.logger.Debug("retry ignored, no active session")
		return
	}
	s.engine.Retry()
}

// Flush runs the engine's final upload pass. Meant for shutdown, after
// Stop, under the caller's deadline.
func (s *Session) Flush(ctx context.Context) error {
	return s.engine.Flush(ctx)
}

// Health reports engine health plus whether the loop is armed.
func (s *Session) Health() Health {
	h := s.engine.Health()
	s.mu.Lock()
	h.Active = s.cancel != nil
	s.mu.Unlock()
	return h
}
