package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foldsync/foldsync/internal/control"
	"github.com/foldsync/foldsync/internal/mirror"
)

var (
	statusAddr     string
	statusPassword string
	statusFollow   bool
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's status",
	Long: `Show the state of the running daemon: schedule, consecutive failures,
and the result of the last cycle.

With --follow, stay connected and print every status event as cycles
complete. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	addControlFlags(statusCmd, &statusAddr, &statusPassword)
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Stream status events as they happen")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := controlClient(statusAddr, statusPassword)

	if statusFollow {
		return followStatus(cmd.Context(), client)
	}

	status, err := client.Status(cmd.Context())
	if err != nil {
		return daemonUnreachable(err)
	}

	if statusJSON {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	printStatus(os.Stdout, status)
	return nil
}

func followStatus(ctx context.Context, client *control.Client) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Follow(ctx, func(ev mirror.StatusEvent) {
		fmt.Printf("%s  [%s]  %s\n", ev.At.Format("15:04:05"), ev.Level, ev.Message)
	})
	if err != nil {
		return daemonUnreachable(err)
	}
	return nil
}

// printStatus renders the human-readable status block.
func printStatus(w io.Writer, s control.StatusResponse) {
	state := "paused"
	switch {
	case s.Health.Running:
		state = "syncing"
	case s.Health.Active:
		state = "active"
	}

	fmt.Fprintf(w, "foldsync: %s\n", state)
	fmt.Fprintf(w, "  folder:    %s\n", s.Folder)
	fmt.Fprintf(w, "  remote:    %s\n", s.Remote)
	fmt.Fprintf(w, "  interval:  %d min\n", s.Health.IntervalMinutes)
	if s.Health.Failures > 0 {
		fmt.Fprintf(w, "  failures:  %d\n", s.Health.Failures)
	}
	if !s.Health.Last.At.IsZero() {
		fmt.Fprintf(w, "  last sync: [%s] %s (%s)\n",
			s.Health.Last.Level, s.Health.Last.Message,
			s.Health.Last.At.Format(time.RFC3339))
	}
}

// daemonUnreachable wraps a control API failure with the most common
// explanation.
func daemonUnreachable(err error) error {
	return fmt.Errorf("connecting to the daemon failed (is 'foldsync run' active?): %w", err)
}
