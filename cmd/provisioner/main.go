// Package main is the entry point for the provisioner CLI.
//
// provisioner drains the server provisioning queue: it hands each pending
// or retryable item to the game-server panel, records the outcome and
// removes items once their server exists.
//
// Commands: dispatch, serve, enqueue, list, migrate, version.
package main

import (
	"fmt"
	"os"

	"provisioning-queue/cmd/provisioner/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
