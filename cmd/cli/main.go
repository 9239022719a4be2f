// Package main is the entry point for the deckplane CLI.
// deckctl submits link batches to the gateway and follows the resulting runs.
package main

import (
	"deckplane/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
