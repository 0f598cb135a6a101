package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	retryAddr     string
	retryPassword string
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset backoff and sync now",
	Long: `Ask the running daemon to reset its backoff schedule and start a sync
cycle immediately. Useful after fixing connectivity instead of waiting out
a slowed interval.`,
	Args: cobra.NoArgs,
	RunE: runRetry,
}

func init() {
	addControlFlags(retryCmd, &retryAddr, &retryPassword)
}

func runRetry(cmd *cobra.Command, args []string) error {
	result, err := controlClient(retryAddr, retryPassword).Retry(cmd.Context())
	if err != nil {
		return daemonUnreachable(err)
	}
	fmt.Println(result)
	return nil
}
