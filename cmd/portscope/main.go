// Command portscope is an adaptive port scanner.
package main

import "github.com/anstrom/portscope/cmd/cli"

// Set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
