package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/foldsync/foldsync/internal/config"
	"github.com/foldsync/foldsync/internal/control"
	"github.com/foldsync/foldsync/internal/errors"
	"github.com/foldsync/foldsync/internal/logging"
	"github.com/foldsync/foldsync/internal/mirror"
	"github.com/foldsync/foldsync/internal/remote"
	"github.com/foldsync/foldsync/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Long: `Run the sync daemon: an immediate reconciliation cycle, then one every
interval and whenever local changes settle. The daemon also serves the
control API that the status, retry, stop, and start commands talk to.

Stops cleanly on SIGINT or SIGTERM, finishing with a final upload pass so
last-minute local edits reach the server.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Environment)
	return runDaemon(cmd.Context(), cfg, logger)
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing state db", slog.String("error", err.Error()))
		}
	}()

	password := cfg.Password
	if cfg.Username != "" && password == "" && store.Token() == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		password, err = promptPassword(cfg.Username)
		if err != nil {
			return err
		}
	}

	client := remote.NewClient(remote.Config{
		BaseURL:  cfg.ServerURL,
		Username: cfg.Username,
		Password: password,
		Device:   cfg.DeviceName,
		Cache:    store,
	}, logger)

	if err := client.Probe(ctx); err != nil {
		return signinHint(cfg, err)
	}
	logger.Info("connected", slog.String("server", cfg.ServerURL))

	local := mirror.NewLocalTree(cfg.SyncDir)
	profile := state.ProfileID(cfg.ServerURL, cfg.Username, cfg.SyncDir)
	hub := control.NewHub()

	engine := mirror.NewEngine(mirror.EngineConfig{
		Local:     local,
		Remote:    client,
		Store:     store,
		Confirm:   buildConfirmer(cfg.ConfirmDeletes),
		Profile:   profile,
		Tolerance: cfg.Tolerance,
		Interval:  cfg.Interval(),
		OnStatus:  hub.Publish,
	}, logger)

	session := mirror.NewSession(local, client, engine, logger)
	watcher := mirror.NewWatcher(local, engine, logger)

	mux := control.NewMux(control.ServerConfig{
		Controller:   session,
		Status:       hub,
		Profile:      profile,
		Folder:       cfg.SyncDir,
		Remote:       cfg.ServerURL,
		PasswordHash: cfg.ControlPasswordHash,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := session.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// The watcher only accelerates cycles; losing it degrades to
		// interval-only syncing rather than killing the daemon.
		if err := watcher.Watch(gctx); err != nil && err != context.Canceled {
			logger.Warn("file watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("control API listening", slog.String("addr", cfg.ControlAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Final upload pass: push any last local edits before exiting. Runs
	// on its own deadline; the loop and its context are already gone.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := session.Flush(flushCtx); err != nil {
		logger.Warn("final upload pass failed", slog.String("error", err.Error()))
	} else {
		logger.Info("final upload pass complete")
	}

	return runErr
}

// signinHint turns a failed startup probe into an actionable message.
func signinHint(cfg *config.Config, err error) error {
	switch {
	case errors.InvalidCredentials(err):
		return fmt.Errorf("sign-in to %s failed, check FOLDSYNC_USERNAME and FOLDSYNC_PASSWORD: %w", cfg.ServerURL, err)
	case errors.Unauthorized(err):
		return fmt.Errorf("session expired and no credentials configured, set FOLDSYNC_USERNAME and FOLDSYNC_PASSWORD: %w", err)
	default:
		return fmt.Errorf("cannot reach %s: %w", cfg.ServerURL, err)
	}
}

// buildConfirmer picks the deletion confirmer for the configured mode.
func buildConfirmer(mode string) mirror.Confirmer {
	switch mode {
	case config.ConfirmAuto:
		return mirror.AutoConfirmer{}
	case config.ConfirmDeny:
		return mirror.DenyConfirmer{}
	default:
		return &mirror.TerminalConfirmer{In: os.Stdin, Out: os.Stderr}
	}
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
