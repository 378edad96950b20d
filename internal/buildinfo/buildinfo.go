// Package buildinfo exposes version metadata injected at build time via
// -ldflags.
package buildinfo

import "fmt"

var (
	Version = "N/A"
	Commit  = "N/A"
	Date    = "N/A"
)

// String renders a one-line build description for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
