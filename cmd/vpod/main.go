// Package main provides the entry point for the vpod CLI tool.
// vpod starts and stops a disposable Vast.ai development instance.
package main

import (
	"github.com/tmeurs/vpod/internal/cli"
)

// Version information set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cli.SetVersion(version, commit, date)
	cli.Execute()
}
