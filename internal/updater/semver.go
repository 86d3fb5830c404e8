package updater

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// canonicalVersion normalizes a release tag or build version to the
// "vX.Y.Z" form golang.org/x/mod/semver understands.
func canonicalVersion(s string) (string, error) {
	v := strings.TrimSpace(s)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return v, nil
}

// newerVersion reports whether canonical version a is strictly newer
// than canonical version b. Prereleases sort below their release, so
// v1.2.0 is newer than v1.2.0-rc1.
func newerVersion(a, b string) bool {
	return semver.Compare(a, b) > 0
}

func isPrereleaseVersion(v string) bool {
	return semver.Prerelease(v) != ""
}
