package version

import (
	"fmt"
	"runtime"
)

// Name identifies the binary in user agents and version output.
const Name = "dtconsumer"

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
	GOOS      = runtime.GOOS
	GOARCH    = runtime.GOARCH
)

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform and engine
// build information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s %s (commit: %s, %s/%s, %s)",
		Name, Release, GitCommit, GOOS, GOARCH, runtime.Version())
}

// UserAgent is sent with outbound HTTP exports.
func UserAgent() string {
	return Name + "/" + Release
}
