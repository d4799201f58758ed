// Package buildinfo holds the version reported by the shelf binaries.
package buildinfo

import "github.com/maloquacious/semver"

var version = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}

// Version returns the semantic version of this build.
func Version() string {
	return version.String()
}
