package types

// DependencyKind distinguishes a dependency that merely has to be installed
// from one that has to be running with healthy checks.
type DependencyKind string

const (
	DependencyExists  DependencyKind = "exists"
	DependencyRunning DependencyKind = "running"
)

// DependencyRequirement is one entry of a service's declared dependencies,
// as supplied through setDependencies.
type DependencyRequirement struct {
	Id           PackageId       `json:"id"`
	Kind         DependencyKind  `json:"kind"`
	HealthChecks []HealthCheckId `json:"health-checks,omitempty"`
	VersionSpec  VersionRange    `json:"version-spec"`
	RegistryUrl  string          `json:"registry-url,omitempty"`
}

// CurrentDependencyInfo is the resolved, stored form of a requirement,
// enriched with metadata fetched at declaration time.
type CurrentDependencyInfo struct {
	Kind         DependencyKind  `json:"kind"`
	HealthChecks []HealthCheckId `json:"health-checks,omitempty"`
	VersionSpec  VersionRange    `json:"version-spec"`
	RegistryUrl  string          `json:"registry-url,omitempty"`
	Title        string          `json:"title,omitempty"`
	Icon         string          `json:"icon,omitempty"`
	ConfigSatisfied bool         `json:"config-satisfied"`
}

// DependencyCheckResult is one row of a checkDependencies response.
type DependencyCheckResult struct {
	PackageId    PackageId                             `json:"package-id"`
	IsInstalled  bool                                  `json:"is-installed"`
	IsRunning    bool                                  `json:"is-running"`
	HealthChecks map[HealthCheckId]HealthCheckResult   `json:"health-checks,omitempty"`
	Version      *Version                              `json:"version,omitempty"`
}
