// Package semver parses and compares the artifact version strings the
// registry tracks, and translates Terraform-style pessimistic version
// constraints into comparable ranges.
//
// This intentionally does not reuse a third-party semver library: the
// comparison rule this registry needs (ASCII-lexicographic prerelease
// ordering, a patch-bump predicate, and HashiCorp "~>" constraint syntax)
// does not match full SemVer 2.0.0 precedence — libraries implementing
// the real spec (dot-separated numeric-aware prerelease comparison) would
// silently disagree with the behavior spec.md §4.1 defines.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed artifact version.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string // "" means release
	Raw        string // prefix-stripped input
}

// InvalidVersionError reports a version string that could not be parsed.
type InvalidVersionError struct {
	Input  string
	Reason string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Reason)
}

// Parse parses a version string optionally prefixed with "v", of shape
// MAJOR.MINOR.PATCH[-PRERELEASE].
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, &InvalidVersionError{Input: s, Reason: "empty input"}
	}
	trimmed := strings.TrimPrefix(s, "v")
	if trimmed == "" {
		return Version{}, &InvalidVersionError{Input: s, Reason: "empty after prefix strip"}
	}

	core := trimmed
	prerelease := ""
	if idx := strings.IndexByte(trimmed, '-'); idx >= 0 {
		core = trimmed[:idx]
		prerelease = trimmed[idx+1:]
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, &InvalidVersionError{Input: s, Reason: "expected MAJOR.MINOR.PATCH"}
	}

	nums := make([]int, 3)
	for i, p := range parts {
		if p == "" {
			return Version{}, &InvalidVersionError{Input: s, Reason: "missing version component"}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, &InvalidVersionError{Input: s, Reason: fmt.Sprintf("non-numeric component %q", p)}
		}
		nums[i] = n
	}

	return Version{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: prerelease,
		Raw:        trimmed,
	}, nil
}

// String renders the version back to its canonical (prefix-stripped) form.
func (v Version) String() string {
	base := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		return base + "-" + v.Prerelease
	}
	return base
}

// Compare returns -1, 0, or 1 comparing a to b: lexicographic on
// (major, minor, patch) with numeric comparison, then release > prerelease,
// and between two prereleases, ASCII-lexicographic comparison of suffixes.
func Compare(a, b Version) int {
	if a.Major != b.Major {
		return cmpInt(a.Major, b.Major)
	}
	if a.Minor != b.Minor {
		return cmpInt(a.Minor, b.Minor)
	}
	if a.Patch != b.Patch {
		return cmpInt(a.Patch, b.Patch)
	}
	switch {
	case a.Prerelease == "" && b.Prerelease == "":
		return 0
	case a.Prerelease == "" && b.Prerelease != "":
		return 1
	case a.Prerelease != "" && b.Prerelease == "":
		return -1
	default:
		if a.Prerelease == b.Prerelease {
			return 0
		}
		if a.Prerelease < b.Prerelease {
			return -1
		}
		return 1
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsPatchBump reports whether next is a release-only patch bump over prev:
// same major/minor, strictly greater patch, and next has no prerelease.
func IsPatchBump(prev, next Version) bool {
	return next.Major == prev.Major &&
		next.Minor == prev.Minor &&
		next.Patch > prev.Patch &&
		next.Prerelease == ""
}
