package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foldsync/foldsync/internal/control"
)

// defaultControlAddr mirrors the daemon-side default in internal/config.
const defaultControlAddr = "127.0.0.1:7337"

// addControlFlags registers the flags shared by every command that talks
// to a running daemon.
func addControlFlags(cmd *cobra.Command, addr, password *string) {
	cmd.Flags().StringVar(addr, "addr", "", "control API address (default: FOLDSYNC_CONTROL_ADDR or "+defaultControlAddr+")")
	cmd.Flags().StringVar(password, "password", "", "control API password (default: FOLDSYNC_CONTROL_PASSWORD)")
}

// controlBaseURL resolves the control endpoint URL: the flag value when
// set, else FOLDSYNC_CONTROL_ADDR, else the default address.
func controlBaseURL(addr string) string {
	if addr == "" {
		addr = os.Getenv("FOLDSYNC_CONTROL_ADDR")
	}
	if addr == "" {
		addr = defaultControlAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return addr
}

func controlClient(addr, password string) *control.Client {
	if password == "" {
		password = os.Getenv("FOLDSYNC_CONTROL_PASSWORD")
	}
	return control.NewClient(controlBaseURL(addr), password)
}
