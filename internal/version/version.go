// Package version holds build-time identifying information, overridden via
// -ldflags at build time (e.g. -X .../version.Version=1.4.2).
package version

var (
	// Version is the semantic version of this build.
	Version = "dev"
	// Commit is the git commit SHA of this build.
	Commit = "unknown"
)
