// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// String renders the version line printed by "agw version".
func String() string {
	out := Version
	if Commit != "" {
		out += fmt.Sprintf(" (%s)", Commit)
	}
	if Date != "" {
		out += " built " + Date
	}
	return out
}
