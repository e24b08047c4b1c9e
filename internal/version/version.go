// Package version records build metadata for the sweep tools. The variables
// are stamped in at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.3.0"
package version

import "fmt"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the build metadata as one human-readable line.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
