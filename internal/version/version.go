// Package version carries build metadata.
package version

// Set at build time:
// go build -ldflags "-X github.com/markus-barta/alarmsync/internal/version.Version=$(cat VERSION)"
var (
	// Version is the semantic version. "dev" for builds without ldflags.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns a formatted version string for display.
func Info() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
