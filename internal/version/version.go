// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/banshee-data/ballrig/internal/version.Version=v0.3.0
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("ballrig %s (%s, built %s)", Version, sha, BuildTime)
}
