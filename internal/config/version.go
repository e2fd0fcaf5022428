package config

import "golang.org/x/mod/semver"

// MinVersionFor returns the configured minimum version string for a
// harness binary, or "" if none is configured.
func (c Config) MinVersionFor(harnessID string) string {
	return c.MinHarnessVersions[harnessID]
}

// MeetsMinimumVersion reports whether installedVersion is at least
// minVersion under semver ordering. Both are normalized to carry a "v"
// prefix, since harness CLIs typically print bare "1.2.3" rather than
// Go's "v1.2.3". An empty minVersion always passes (nothing configured
// to check against); an unparsable installedVersion fails closed so a
// malformed `--version` output surfaces as a doctor warning rather than
// silently passing.
func MeetsMinimumVersion(installedVersion, minVersion string) bool {
	if minVersion == "" {
		return true
	}
	installed := normalizeSemver(installedVersion)
	minimum := normalizeSemver(minVersion)
	if !semver.IsValid(installed) || !semver.IsValid(minimum) {
		return false
	}
	return semver.Compare(installed, minimum) >= 0
}

func normalizeSemver(v string) string {
	if v == "" {
		return v
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}
