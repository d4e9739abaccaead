// Package version carries build identifiers injected via -ldflags.
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
)

// String renders the version for logs and the version command.
func String() string {
	if Version == "dev" {
		return "dev build"
	}
	return Version + " (" + GitCommit + ")"
}
