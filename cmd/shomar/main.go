package main

import (
	"os"

	"github.com/shomar-security/shomar-cli/internal/cli"
)

// Version information set at build time
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	// Errors are already printed by Execute
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
