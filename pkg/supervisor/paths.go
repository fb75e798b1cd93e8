package supervisor

import (
	"path/filepath"

	"github.com/cuemby/startd/pkg/types"
)

// Paths resolves the on-disk layout for package data.
type Paths struct {
	// Root is the package-data directory, e.g. /embassy-data/package-data.
	Root string

	// BackupRoot is where volume snapshots land.
	BackupRoot string
}

// PackageDir is a package's directory.
func (p Paths) PackageDir(pkg types.PackageId) string {
	return filepath.Join(p.Root, pkg.String())
}

// VersionDir holds a version's static assets (LICENSE.md, INSTRUCTIONS.md,
// icon) served under /public/package-data/.
func (p Paths) VersionDir(pkg types.PackageId, version types.Version) string {
	return filepath.Join(p.Root, pkg.String(), version.String())
}

// ImagesDir holds the materialized squashfs images for a version.
func (p Paths) ImagesDir(pkg types.PackageId, version types.Version) string {
	return filepath.Join(p.Root, pkg.String(), version.String(), "images")
}

// ImagePath is one materialized squashfs.
func (p Paths) ImagePath(pkg types.PackageId, version types.Version, arch string, image types.ImageId) string {
	return filepath.Join(p.ImagesDir(pkg, version), arch, image.String()+".squashfs")
}

// VolumesDir holds a package's persistent volumes; it survives updates.
func (p Paths) VolumesDir(pkg types.PackageId) string {
	return filepath.Join(p.Root, pkg.String(), "volumes")
}

// VolumeDir is one named volume.
func (p Paths) VolumeDir(pkg types.PackageId, volume types.VolumeId) string {
	return filepath.Join(p.VolumesDir(pkg), volume.String())
}

// BackupDir is where a package's snapshot lands.
func (p Paths) BackupDir(pkg types.PackageId) string {
	return filepath.Join(p.BackupRoot, pkg.String())
}
