// Package versioning wraps github.com/Masterminds/semver/v3 for Forge's
// dependency-constraint matching and module version ordering. The teacher
// repo hand-rolls its own SemVer type with a regexp parser; Forge uses the
// ecosystem library directly instead, since the constraint-matching this
// spec needs ("^1", ">=1.2, <2.0") is exactly what Masterminds/semver
// already provides.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed semantic version.
type Version = semver.Version

// Constraint is a parsed dependency version constraint such as "^1.2.0" or
// ">=1.0.0, <2.0.0".
type Constraint = semver.Constraints

// Parse parses a semantic version string.
func Parse(v string) (*Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("versioning: invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// ParseConstraint parses a dependency version constraint.
func ParseConstraint(c string) (*Constraint, error) {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		return nil, fmt.Errorf("versioning: invalid constraint %q: %w", c, err)
	}
	return parsed, nil
}

// Satisfies reports whether version v satisfies constraint c.
func Satisfies(v *Version, c *Constraint) bool {
	ok, _ := c.Validate(v)
	return ok
}

// SameMajor reports whether two versions share a major component, the
// "balanced" conflict-resolution strategy's upgrade boundary (spec §4.2).
func SameMajor(a, b *Version) bool {
	return a.Major() == b.Major()
}

// HighestOf returns the highest version among candidates, or nil if empty.
func HighestOf(candidates []*Version) *Version {
	var best *Version
	for _, c := range candidates {
		if best == nil || c.GreaterThan(best) {
			best = c
		}
	}
	return best
}
