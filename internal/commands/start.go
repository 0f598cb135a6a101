package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	startAddr     string
	startPassword string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume a paused sync loop",
	Long:  `Resume the sync loop of a daemon paused with 'foldsync stop'.`,
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func init() {
	addControlFlags(startCmd, &startAddr, &startPassword)
}

func runStart(cmd *cobra.Command, args []string) error {
	result, err := controlClient(startAddr, startPassword).Start(cmd.Context())
	if err != nil {
		return daemonUnreachable(err)
	}
	fmt.Println(result)
	return nil
}
