package certs

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// minV2 is the first Nebula release that understands v2 certificates.
var minV2 = semver.MustParse("1.10.0")

// ParseNebulaVersion parses a client-reported Nebula version. The second
// return is false for empty or unparseable values, which callers must treat
// as "legacy client".
func ParseNebulaVersion(s string) (*semver.Version, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "v"))
	if s == "" {
		return nil, false
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// SupportsV2 reports whether the reported Nebula version can parse v2
// certificates. Unknown versions are legacy and cannot.
func SupportsV2(reported string) bool {
	v, ok := ParseNebulaVersion(reported)
	if !ok {
		return false
	}
	return !v.LessThan(minV2)
}
