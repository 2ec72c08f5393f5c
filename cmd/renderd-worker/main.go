// Package main is the entry point for the renderd-worker subprocess.
//
// renderd-worker renders one export end to end: it loads the project,
// drives the stage pipeline, and streams line-delimited JSON progress
// records on stdout while logging to stderr. The renderd server spawns
// one instance per export.
package main

import (
	"os"

	"github.com/clipjoint/renderd/cmd/renderd-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
