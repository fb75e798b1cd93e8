package patchdb

import (
	"encoding/json"
	"time"

	"github.com/cuemby/startd/pkg/types"
)

// Database is the root document: everything the server knows. The public
// half is exposed to guests through the effect bus; the private half holds
// secrets and is never reachable from an effect read path.
type Database struct {
	Public  Public  `json:"public"`
	Private Private `json:"private"`
}

// Public is the operator- and guest-visible state.
type Public struct {
	ServerInfo  ServerInfo                         `json:"server-info"`
	PackageData map[types.PackageId]*PackageEntry  `json:"package-data"`
}

// Private holds secrets: per-package stores, the password hash, TLS and
// signing keys.
type Private struct {
	PackageStores map[types.PackageId]interface{} `json:"package-stores"`
	PasswordHash  string                          `json:"password-hash,omitempty"`
	CaKey         string                          `json:"ca-key,omitempty"`
	CaCert        string                          `json:"ca-cert,omitempty"`
	TorKey        string                          `json:"tor-key,omitempty"`
	Sessions      map[string]Session              `json:"sessions"`
	SshPubkeys    []string                        `json:"ssh-pubkeys,omitempty"`
}

// Session is one authenticated operator session.
type Session struct {
	CreatedAt time.Time `json:"created-at"`
	LastSeen  time.Time `json:"last-seen"`
	UserAgent string    `json:"user-agent,omitempty"`
}

// ServerInfo mirrors what the dashboard shows about the host itself.
type ServerInfo struct {
	Id                      string             `json:"id"`
	Hostname                string             `json:"hostname"`
	Version                 types.Version      `json:"version"`
	LanAddress              string             `json:"lan-address"`
	TorAddress              string             `json:"tor-address"`
	Status                  types.ServerStatus `json:"status"`
	NtpSynced               bool               `json:"ntp-synced"`
	UnreadNotificationCount uint64             `json:"unread-notification-count"`
	Specs                   ServerSpecs        `json:"specs"`
}

// ServerSpecs are coarse resource gauges.
type ServerSpecs struct {
	Cpu    Usage `json:"cpu"`
	Disk   Usage `json:"disk"`
	Memory Usage `json:"memory"`
}

// Usage is a used/total pair.
type Usage struct {
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// PackageEntry is the per-package record. State tags which of the optional
// fields are meaningful: install_progress during installing/updating,
// installed once installed.
type PackageEntry struct {
	State           types.PackageStateKind `json:"state"`
	Manifest        types.Manifest         `json:"manifest"`
	StaticFiles     *types.StaticFiles     `json:"static-files,omitempty"`
	InstallProgress *types.InstallProgress `json:"install-progress,omitempty"`
	Installed       *InstalledInfo         `json:"installed,omitempty"`
}

// InstalledInfo is the runtime half of a package entry.
type InstalledInfo struct {
	Status              types.MainStatus                                  `json:"status"`
	Configured          bool                                              `json:"configured"`
	CurrentDependencies map[types.PackageId]types.CurrentDependencyInfo   `json:"current-dependencies"`
	CurrentDependents   map[types.PackageId]struct{}                      `json:"current-dependents"`
	ServiceInterfaces   map[types.InterfaceId]types.ServiceInterface      `json:"service-interfaces"`
	Actions             map[types.ActionId]types.ActionMetadata           `json:"actions"`
	InterfaceAddresses  map[types.HostId][]types.HostnameInfo             `json:"interface-addresses"`
	Bindings            []types.BindInfo                                  `json:"bindings,omitempty"`
	ExposedPaths        []string                                          `json:"exposed-paths,omitempty"`
}

// NewInstalledInfo returns an installed record in the Stopped state with
// all maps allocated.
func NewInstalledInfo() *InstalledInfo {
	return &InstalledInfo{
		Status:              types.MainStatus{Status: types.StatusStopped},
		CurrentDependencies: make(map[types.PackageId]types.CurrentDependencyInfo),
		CurrentDependents:   make(map[types.PackageId]struct{}),
		ServiceInterfaces:   make(map[types.InterfaceId]types.ServiceInterface),
		Actions:             make(map[types.ActionId]types.ActionMetadata),
		InterfaceAddresses:  make(map[types.HostId][]types.HostnameInfo),
	}
}

// InitAccount seeds a fresh database.
type InitAccount struct {
	ServerId     string
	Hostname     string
	LanAddress   string
	TorAddress   string
	PasswordHash string
	Version      types.Version
}

// Init builds the initial document for a fresh data volume.
func Init(account InitAccount) *Database {
	return &Database{
		Public: Public{
			ServerInfo: ServerInfo{
				Id:         account.ServerId,
				Hostname:   account.Hostname,
				Version:    account.Version,
				LanAddress: account.LanAddress,
				TorAddress: account.TorAddress,
				Status:     types.ServerRunning,
				Specs: ServerSpecs{
					Cpu:    Usage{Total: 1},
					Disk:   Usage{Total: 1},
					Memory: Usage{Total: 1},
				},
			},
			PackageData: make(map[types.PackageId]*PackageEntry),
		},
		Private: Private{
			PackageStores: make(map[types.PackageId]interface{}),
			PasswordHash:  account.PasswordHash,
			Sessions:      make(map[string]Session),
		},
	}
}

// clone deep-copies the document through its JSON form, which is also the
// storage form, so a copy can never drift from what would be persisted.
func (d *Database) clone() (*Database, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Database
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
