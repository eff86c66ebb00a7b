package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the single-line form printed at daemon startup and by
// the tools' -version flags.
func String() string {
	return fmt.Sprintf("gaitd %s (%s, built %s)", Version, GitSHA, BuildTime)
}
