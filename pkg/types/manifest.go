package types

import "time"

// Manifest describes a package: what it is, what it ships, and what it
// needs. It is the root metadata document inside an s9pk.
type Manifest struct {
	Id            PackageId                       `json:"id"`
	Title         string                          `json:"title"`
	Version       Version                         `json:"version"`
	ReleaseNotes  string                          `json:"release-notes,omitempty"`
	License       string                          `json:"license,omitempty"`
	Description   ManifestDescription             `json:"description"`
	Images        []ImageId                       `json:"images"`
	Volumes       []VolumeId                      `json:"volumes"`
	// Entrypoint is the main process command, run inside the container.
	Entrypoint    []string                        `json:"entrypoint,omitempty"`
	// HealthChecks declares host-run probes of the main process; results
	// land in the running status's health map alongside guest reports.
	HealthChecks  map[HealthCheckId]HealthCheckSpec `json:"health-checks,omitempty"`
	Assets        []string                        `json:"assets,omitempty"`
	Dependencies  map[PackageId]ManifestDependency `json:"dependencies,omitempty"`
	// SourceVersion constrains which installed versions may be updated
	// in place to this one.
	SourceVersion *VersionRange `json:"source-version,omitempty"`
	Alerts        ManifestAlerts `json:"alerts,omitempty"`
	GitHash       string         `json:"git-hash,omitempty"`
}

// ManifestDescription is the short/long description pair shown to operators.
type ManifestDescription struct {
	Short string `json:"short"`
	Long  string `json:"long"`
}

// ManifestDependency declares a dependency as shipped in the manifest.
// Runtime requirements (Exists vs Running) are declared by the service via
// setDependencies; the manifest entry carries metadata and the version range.
type ManifestDependency struct {
	Version     VersionRange `json:"version"`
	Description string       `json:"description,omitempty"`
	Optional    bool         `json:"optional,omitempty"`
}

// HealthCheckSpec declares one host-run health probe. Http and tcp checks
// target the container's address on Port; exec checks run Command inside
// the container.
type HealthCheckSpec struct {
	Type            string   `json:"type"` // http, tcp, or exec
	Port            uint16   `json:"port,omitempty"`
	Path            string   `json:"path,omitempty"`
	Command         []string `json:"command,omitempty"`
	IntervalSecs    int      `json:"interval-secs,omitempty"`
	TimeoutSecs     int      `json:"timeout-secs,omitempty"`
	Retries         int      `json:"retries,omitempty"`
	StartPeriodSecs int      `json:"start-period-secs,omitempty"`
}

// ManifestAlerts are operator-facing messages attached to lifecycle events.
type ManifestAlerts struct {
	Install   string `json:"install,omitempty"`
	Update    string `json:"update,omitempty"`
	Uninstall string `json:"uninstall,omitempty"`
	Restore   string `json:"restore,omitempty"`
	Start     string `json:"start,omitempty"`
	Stop      string `json:"stop,omitempty"`
}

// StaticFiles are the package assets materialized on the host and served
// under /public/package-data/.
type StaticFiles struct {
	License      string `json:"license"`
	Instructions string `json:"instructions"`
	Icon         string `json:"icon"`
}

// InstallProgress tracks a long-running install/update so callers can poll.
type InstallProgress struct {
	Size              uint64    `json:"size"`
	Downloaded        uint64    `json:"downloaded"`
	DownloadComplete  bool      `json:"download-complete"`
	Validated         uint64    `json:"validated"`
	ValidationComplete bool     `json:"validation-complete"`
	Unpacked          uint64    `json:"unpacked"`
	UnpackComplete    bool      `json:"unpack-complete"`
	StartedAt         time.Time `json:"started-at"`
}
