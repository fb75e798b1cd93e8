package types

import (
	"encoding/json"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
)

// MainStatusKind enumerates the states of a service's primary process.
type MainStatusKind string

const (
	StatusStopped    MainStatusKind = "stopped"
	StatusStarting   MainStatusKind = "starting"
	StatusRunning    MainStatusKind = "running"
	StatusStopping   MainStatusKind = "stopping"
	StatusBackingUp  MainStatusKind = "backing-up"
	StatusRestarting MainStatusKind = "restarting"
	StatusRestoring  MainStatusKind = "restoring"
	StatusConfiguring MainStatusKind = "configuring"
)

// MainStatus is the tagged state of a service's primary process. StartedAt
// is set only for running; Health only for running and backing-up.
type MainStatus struct {
	Status    MainStatusKind                    `json:"status"`
	StartedAt *time.Time                        `json:"started-at,omitempty"`
	Health    map[HealthCheckId]HealthCheckResult `json:"health,omitempty"`
}

// HasHealth reports whether the state carries a health map.
func (s *MainStatus) HasHealth() bool {
	return s.Status == StatusRunning || s.Status == StatusBackingUp
}

// HealthResultKind enumerates health check outcomes as reported by the guest.
type HealthResultKind string

const (
	HealthStarting HealthResultKind = "starting"
	HealthLoading  HealthResultKind = "loading"
	HealthPassing  HealthResultKind = "passing"
	HealthFailing  HealthResultKind = "failing"
	HealthDisabled HealthResultKind = "disabled"
)

// HealthCheckResult is one health check's latest report.
type HealthCheckResult struct {
	Result  HealthResultKind `json:"result"`
	Message string           `json:"message,omitempty"`
}

// PackageStateKind enumerates the lifecycle state of a package entry.
type PackageStateKind string

const (
	StateInstalling PackageStateKind = "installing"
	StateUpdating   PackageStateKind = "updating"
	StateRemoving   PackageStateKind = "removing"
	StateInstalled  PackageStateKind = "installed"
)

// ServerStatus is the top-level status surfaced in server_info.
type ServerStatus string

const (
	ServerRunning   ServerStatus = "running"
	ServerUpdating  ServerStatus = "updating"
	ServerBackingUp ServerStatus = "backing-up"
)

// ParseMainStatusKind parses a guest-supplied status string.
func ParseMainStatusKind(s string) (MainStatusKind, error) {
	switch MainStatusKind(s) {
	case StatusRunning, StatusStopped:
		return MainStatusKind(s), nil
	}
	return "", errdefs.Newf(errdefs.KindInvalidRequest, "unknown status %q", s)
}

// UnmarshalJSON rejects unknown package states so the db never holds one.
func (k *PackageStateKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	switch PackageStateKind(s) {
	case StateInstalling, StateUpdating, StateRemoving, StateInstalled:
		*k = PackageStateKind(s)
		return nil
	}
	return errdefs.Newf(errdefs.KindParseDbField, "unknown package state %q", s)
}
