package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cuemby/startd/pkg/errdefs"
)

// Version is a semver version with a fourth "patch-of-patch" revision
// component, e.g. "1.2.3.4". Revision 0 renders as plain semver.
type Version struct {
	base     semver.Version
	revision uint64
}

// ParseVersion parses "X.Y.Z" or "X.Y.Z.R".
func ParseVersion(s string) (Version, error) {
	base := s
	var revision uint64
	if parts := strings.Split(s, "."); len(parts) == 4 {
		// the fourth component must be a bare integer to be a revision;
		// otherwise let semver reject the string
		if r, err := strconv.ParseUint(parts[3], 10, 64); err == nil {
			base = strings.Join(parts[:3], ".")
			revision = r
		}
	}
	v, err := semver.StrictNewVersion(base)
	if err != nil {
		return Version{}, errdefs.Newf(errdefs.KindDeserialization, "invalid version %q: %v", s, err)
	}
	return Version{base: *v, revision: revision}, nil
}

// MustVersion parses a version or panics. For literals in tests and defaults.
func MustVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0, or 1. The semver base orders first, the revision
// breaks ties.
func (v Version) Compare(o Version) int {
	if c := v.base.Compare(&o.base); c != 0 {
		return c
	}
	switch {
	case v.revision < o.revision:
		return -1
	case v.revision > o.revision:
		return 1
	default:
		return 0
	}
}

// Revision returns the fourth component.
func (v Version) Revision() uint64 { return v.revision }

func (v Version) String() string {
	if v.revision == 0 {
		return v.base.String()
	}
	return fmt.Sprintf("%s.%d", v.base.String(), v.revision)
}

func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VersionRange is a constraint over Versions, e.g. ">=1.2.0 <2.0.0" or "^1.1".
// Constraints apply to the semver base; revisions only matter for ordering.
type VersionRange struct {
	raw         string
	constraints *semver.Constraints
}

// ParseVersionRange parses a constraint expression. "*" matches anything.
func ParseVersionRange(s string) (VersionRange, error) {
	c, err := semver.NewConstraint(s)
	if err != nil {
		return VersionRange{}, errdefs.Newf(errdefs.KindDeserialization, "invalid version range %q: %v", s, err)
	}
	return VersionRange{raw: s, constraints: c}, nil
}

// MustVersionRange parses a range or panics.
func MustVersionRange(s string) VersionRange {
	r, err := ParseVersionRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Satisfies reports whether the version matches the range.
func (r VersionRange) Satisfies(v Version) bool {
	if r.constraints == nil {
		return true
	}
	return r.constraints.Check(&v.base)
}

func (r VersionRange) String() string { return r.raw }

func (r VersionRange) MarshalJSON() ([]byte, error) {
	if r.constraints == nil {
		return json.Marshal("*")
	}
	return json.Marshal(r.raw)
}

func (r *VersionRange) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	parsed, err := ParseVersionRange(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
