// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on a single line.
func String() string {
	return fmt.Sprintf("whalewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
