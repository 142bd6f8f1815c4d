package main

import (
	"fmt"
	"os"

	"branchfs/internal/cli/commands"
)

// Overridable at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	commands.SetVersion(version)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
