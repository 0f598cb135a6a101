// Package commands implements the foldsync CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionInfo struct {
	version string
	commit  string
	date    string
}

// SetVersionInfo sets version information from main (populated by goreleaser).
func SetVersionInfo(version, commit, date string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.date = date
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

var rootCmd = &cobra.Command{
	Use:   "foldsync",
	Short: "Keep a local folder and a remote file server in sync",
	Long: `foldsync mirrors a local directory against a remote file server,
reconciling both sides on a fixed interval and whenever local files change.

The daemon compares modification times: the newer side wins within a small
tolerance window, and a remote file that is newer than its local edit is
preserved as a conflict copy instead of being overwritten. Deletions are
never applied without confirmation.

Commands:
  foldsync run            - Run the sync daemon in the foreground
  foldsync status         - Show the running daemon's status
  foldsync retry          - Reset backoff and sync now
  foldsync stop           - Pause the daemon's sync loop
  foldsync start          - Resume a paused sync loop
  foldsync hash-password  - Generate a control API password hash

Environment variables (for foldsync run):
  FOLDSYNC_SERVER_URL             - Remote server base URL (required)
  FOLDSYNC_DIR                    - Local directory to sync (required)
  FOLDSYNC_USERNAME               - Account username
  FOLDSYNC_PASSWORD               - Account password
  FOLDSYNC_INTERVAL_MINUTES       - Minutes between cycles (default: 5)
  FOLDSYNC_TOLERANCE              - Timestamp tolerance (default: 3s)
  FOLDSYNC_CONFIRM_DELETES        - prompt, auto, or deny (default: prompt)
  FOLDSYNC_CONTROL_ADDR           - Control API address (default: 127.0.0.1:7337)
  FOLDSYNC_CONTROL_PASSWORD_HASH  - bcrypt hash protecting the control API
  FOLDSYNC_STATE_DB               - State database path (default: ~/.foldsync/state.db)
  FOLDSYNC_CONFIG                 - Optional YAML config file`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
