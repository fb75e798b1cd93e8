package types

import (
	"encoding/json"
	"regexp"

	"github.com/cuemby/startd/pkg/errdefs"
)

// kebab-case: lowercase alphanumeric segments joined by single dashes
var idRegexp = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// PackageId is the unique key of a package. Non-empty kebab-case.
type PackageId string

// Validate checks the identifier shape.
func (id PackageId) Validate() error {
	if !idRegexp.MatchString(string(id)) {
		return errdefs.Newf(errdefs.KindInvalidRequest, "invalid package id: %q", string(id))
	}
	return nil
}

func (id PackageId) String() string { return string(id) }

// UnmarshalJSON validates on the way in so malformed ids never enter the db.
func (id *PackageId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	*id = PackageId(s)
	return id.Validate()
}

// Identifiers scoped to a package. These are opaque to the host; shape is
// validated only where they enter from the wire.
type (
	HostId        string
	InterfaceId   string
	HealthCheckId string
	ActionId      string
	ImageId       string
	VolumeId      string
)

func (id HostId) String() string        { return string(id) }
func (id InterfaceId) String() string   { return string(id) }
func (id HealthCheckId) String() string { return string(id) }
func (id ActionId) String() string      { return string(id) }
func (id ImageId) String() string       { return string(id) }
func (id VolumeId) String() string      { return string(id) }
