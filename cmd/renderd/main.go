// Package main is the entry point for the renderd server.
//
// renderd exposes the export REST API and progress websocket, persists
// job state, and spawns one renderd-worker subprocess per export.
package main

import (
	"os"

	"github.com/clipjoint/renderd/cmd/renderd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
