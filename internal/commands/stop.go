package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	stopAddr     string
	stopPassword string
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Pause the daemon's sync loop",
	Long: `Pause the running daemon's sync loop. The daemon keeps serving the
control API; resume with 'foldsync start'.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	addControlFlags(stopCmd, &stopAddr, &stopPassword)
}

func runStop(cmd *cobra.Command, args []string) error {
	result, err := controlClient(stopAddr, stopPassword).Stop(cmd.Context())
	if err != nil {
		return daemonUnreachable(err)
	}
	fmt.Println(result)
	return nil
}
