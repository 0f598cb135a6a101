package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foldsync/foldsync/internal/errors"
)

const (
	// failureThreshold is the consecutive-failure count at which the
	// schedule starts backing off.
	failureThreshold = 3

	// backoffFactor doubles the interval on each failure at or past the
	// threshold, up to maxInterval.
	backoffFactor = 2
	maxInterval   = 60 * time.Minute
)

// LedgerStore persists the baseline ledger between cycles. Loading never
// fails; missing or corrupt state comes back as an empty ledger.
type LedgerStore interface {
	Ledger(profileID string) map[string]bool
	SaveLedger(profileID string, files map[string]bool) error
}

// Health is a point-in-time view of the engine for status reporting.
// Active is filled in by the session, which knows whether the loop is
// armed; Running reflects a cycle in flight right now.
type Health struct {
	Active          bool        `json:"active"`
	Running         bool        `json:"running"`
	IntervalMinutes int         `json:"interval_minutes"`
	Failures        int         `json:"consecutive_failures"`
	Last            StatusEvent `json:"last"`
	Counters        Counters    `json:"counters"`
}

// EngineConfig carries the collaborators and tuning for an Engine.
type EngineConfig struct {
	Local     *LocalTree
	Remote    RemoteStore
	Store     LedgerStore
	Confirm   Confirmer
	Profile   string
	Tolerance time.Duration
	Interval  time.Duration
	OnStatus  func(StatusEvent)
}

// Engine owns the reconciliation cycle: scheduling, backoff, the
// re-entrancy guard, and the fixed phase order (remote-origin deletions,
// upload walk, download walk). At most one cycle is ever in flight.
type Engine struct {
	local     *LocalTree
	remote    RemoteStore
	store     LedgerStore
	confirm   Confirmer
	logger    *slog.Logger
	profile   string
	tolerance time.Duration

	baseInterval time.Duration

	// running is the re-entrancy flag. Triggers that arrive while it is
	// set are dropped, never queued.
	running atomic.Bool

	// declined holds the fingerprint of a deletion batch refused earlier
	// in the current cycle, cleared when the cycle ends. Only the cycle
	// itself touches it, serialized by running.
	declined string

	mu       sync.Mutex
	interval time.Duration
	failures int
	last     StatusEvent
	counters Counters
	onStatus func(StatusEvent)

	kick chan struct{}
}

// NewEngine creates an engine. When no Confirmer is supplied, every
// deletion batch is declined, the safe default for unattended runs.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	confirm := cfg.Confirm
	if confirm == nil {
		confirm = DenyConfirmer{}
	}
	return &Engine{
		local:        cfg.Local,
		remote:       cfg.Remote,
		store:        cfg.Store,
		confirm:      confirm,
		logger:       logger,
		profile:      cfg.Profile,
		tolerance:    cfg.Tolerance,
		baseInterval: cfg.Interval,
		interval:     cfg.Interval,
		onStatus:     cfg.OnStatus,
		kick:         make(chan struct{}, 1),
	}
}

// Run executes one immediate cycle, then keeps cycling on the current
// interval until ctx is cancelled. A tick or kick that fires while a
// cycle is in flight is discarded after that cycle finishes; a missed
// trigger is simply lost, there is no backlog.
func (e *Engine) Run(ctx context.Context) error {
	e.runCycle(ctx)

	ticker := time.NewTicker(e.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			e.runCycle(ctx)

		case <-e.kick:
			e.runCycle(ctx)
		}

		// Drop anything that queued up while the cycle ran, then re-arm
		// at whatever interval the cycle outcome left behind.
		select {
		case <-ticker.C:
		default:
		}
		select {
		case <-e.kick:
		default:
		}
		ticker.Reset(e.currentInterval())
	}
}

// Kick requests a cycle soon. Non-blocking; an in-flight cycle or an
// already-pending request absorbs it.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Retry resets the failure counter and interval to base and requests an
// immediate cycle, regardless of the current backoff state.
func (e *Engine) Retry() {
	e.mu.Lock()
	e.failures = 0
	e.interval = e.baseInterval
	e.mu.Unlock()

	e.logger.Info("retry requested, backoff reset")
	e.Kick()
}

// Health reports the engine's current schedule and last status event.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Health{
		Running:         e.running.Load(),
		IntervalMinutes: int(e.interval.Minutes()),
		Failures:        e.failures,
		Last:            e.last,
		Counters:        e.counters,
	}
}

// Flush runs one best-effort upload pass, used at shutdown to push last
// local edits under the caller's deadline. It never proposes deletions
// and never rewrites the baseline. If a cycle is in flight, Flush
// returns immediately rather than interleave with it.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info("cycle in flight, skipping final upload pass")
		return nil
	}
	defer e.running.Store(false)

	remoteSnap, err := snapshotRemote(ctx, e.remote, e.logger)
	if err != nil {
		return fmt.Errorf("final upload pass: %w", err)
	}
	localSnap, err := scanLocal(e.local, e.logger)
	if err != nil {
		return fmt.Errorf("final upload pass: %w", err)
	}

	var counters Counters
	e.createRemoteDirs(ctx, localSnap, remoteSnap, &counters)
	e.pushFiles(ctx, localSnap, remoteSnap, &counters, make(map[string]bool))

	e.logger.Info("final upload pass complete",
		slog.Int("uploaded", counters.Uploaded),
		slog.Int("errors", counters.ItemErrors),
	)
	return nil
}

// runCycle enters a cycle behind the re-entrancy flag and turns its
// outcome into schedule and status updates. It never propagates an
// error; every failure terminates in a status event and a backoff
// decision.
func (e *Engine) runCycle(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("cycle already in flight, dropping trigger")
		return
	}
	defer e.running.Store(false)
	defer func() { e.declined = "" }()

	start := time.Now()
	counters, err := e.cycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down, not a sync failure.
			return
		}
		e.finishFailure(err)
		return
	}
	e.finishSuccess(counters, time.Since(start))
}

// cycle runs the three phases in fixed order against one remote
// snapshot. Only walk-level failures escape; per-item failures are
// absorbed and counted inside the walks.
func (e *Engine) cycle(ctx context.Context) (Counters, error) {
	var counters Counters

	e.logger.Info("cycle starting")

	ledger := e.store.Ledger(e.profile)
	archived := make(map[string]bool)

	remoteSnap, err := snapshotRemote(ctx, e.remote, e.logger)
	if err != nil {
		return counters, err
	}

	held, err := e.reconcileRemoteDeletions(ctx, ledger, remoteSnap, &counters)
	if err != nil {
		return counters, err
	}

	if err := e.uploadPhase(ctx, ledger, remoteSnap, held, &counters, archived); err != nil {
		return counters, err
	}

	if err := e.downloadPhase(ctx, &counters, archived); err != nil {
		return counters, err
	}

	return counters, nil
}

func (e *Engine) finishSuccess(counters Counters, took time.Duration) {
	e.mu.Lock()
	recovered := e.interval != e.baseInterval
	e.failures = 0
	e.interval = e.baseInterval
	e.counters = counters
	e.mu.Unlock()

	msg := counters.Summary()
	if recovered {
		msg = "sync recovered, " + msg
	}

	e.logger.Info("cycle complete",
		slog.Duration("took", took),
		slog.String("result", msg),
	)
	e.emit(StatusEvent{Level: StatusOK, Message: msg, At: time.Now()})
}

func (e *Engine) finishFailure(err error) {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	if failures >= failureThreshold {
		next := e.interval * backoffFactor
		if next > maxInterval {
			next = maxInterval
		}
		e.interval = next
	}
	interval := e.interval
	e.mu.Unlock()

	e.logger.Warn("cycle failed",
		slog.String("error", err.Error()),
		slog.Bool("transient", errors.Transient(err)),
		slog.Int("consecutive_failures", failures),
	)

	if failures >= failureThreshold {
		e.emit(StatusEvent{
			Level:   StatusError,
			Message: fmt.Sprintf("sync slowed to %d minutes", int(interval.Minutes())),
			At:      time.Now(),
		})
		return
	}

	e.emit(StatusEvent{
		Level:   StatusWarning,
		Message: fmt.Sprintf("sync failed: %v", err),
		At:      time.Now(),
	})
}

func (e *Engine) emit(ev StatusEvent) {
	e.mu.Lock()
	e.last = ev
	cb := e.onStatus
	e.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}

func (e *Engine) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}
