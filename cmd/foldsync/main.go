// foldsync keeps a local directory and a remote file server in sync.
//
// The daemon reconciles both sides on a fixed interval and when local
// files change, preserves conflicting edits as conflict copies, and asks
// before applying any deletion. A local control API lets the companion
// commands inspect and steer a running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/foldsync/foldsync/internal/commands"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
