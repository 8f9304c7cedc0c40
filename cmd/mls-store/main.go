package main

import (
	"fmt"
	"os"

	"github.com/tangowhisky-dev/mls-store/cmd/mls-store/commands"
)

// Set via -ldflags at release time.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	commands.SetVersion(fmt.Sprintf("%s (commit=%s, date=%s)", version, commit, date))
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mls-store: %v\n", err)
		os.Exit(1)
	}
}
