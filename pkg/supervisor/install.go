package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/s9pk"
	"github.com/cuemby/startd/pkg/types"
)

// Install verifies an s9pk, materializes its assets and images, creates the
// container, and lands the package in Installed/Stopped. A failure at any
// point reverts to the pre-install state.
func (s *Supervisor) Install(ctx context.Context, path string) (*Service, error) {
	pkg, f, err := s9pk.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	manifest, err := pkg.Manifest()
	if err != nil {
		return nil, err
	}
	id := manifest.Id

	err = s.db.Mutate(func(db *patchdb.Database) error {
		if _, exists := db.Public.PackageData[id]; exists {
			return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is already installed", id)
		}
		db.Public.PackageData[id] = &patchdb.PackageEntry{
			State:    types.StateInstalling,
			Manifest: *manifest,
			InstallProgress: &types.InstallProgress{
				StartedAt: time.Now().UTC(),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	svc, err := s.finishInstall(ctx, pkg, manifest)
	if err != nil {
		s.revertInstall(id)
		return nil, err
	}
	s.logger.Info().Str("package_id", id.String()).Str("version", manifest.Version.String()).Msg("Package installed")
	return svc, nil
}

func (s *Supervisor) finishInstall(ctx context.Context, pkg *s9pk.S9pk, manifest *types.Manifest) (*Service, error) {
	id := manifest.Id

	staticFiles, err := pkg.ExtractAssets(s.cfg.Paths.VersionDir(id, manifest.Version))
	if err != nil {
		return nil, err
	}
	if err := s.materializeImages(pkg, manifest); err != nil {
		return nil, err
	}
	for _, volume := range manifest.Volumes {
		if err := os.MkdirAll(s.cfg.Paths.VolumeDir(id, volume), 0755); err != nil {
			return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
		}
	}
	if _, err := s.containers.Create(id, ""); err != nil {
		return nil, err
	}

	err = s.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[id]
		if !ok {
			return errdefs.NotFoundf("package %s disappeared during install", id)
		}
		entry.State = types.StateInstalled
		entry.StaticFiles = staticFiles
		entry.InstallProgress = nil
		entry.Installed = patchdb.NewInstalledInfo()
		for depId, dep := range manifest.Dependencies {
			entry.Installed.CurrentDependencies[depId] = types.CurrentDependencyInfo{
				Kind:        types.DependencyExists,
				VersionSpec: dep.Version,
			}
		}
		patchdb.UpsertStore(db, id, func() interface{} { return map[string]interface{}{} })
		mirrorDependents(db)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.adopt(id), nil
}

// materializeImages extracts the platform's squashfs blobs out of the
// archive. A package with no image for this platform is rejected rather
// than installed broken.
func (s *Supervisor) materializeImages(pkg *s9pk.S9pk, manifest *types.Manifest) error {
	for _, image := range manifest.Images {
		dst := s.cfg.Paths.ImagePath(manifest.Id, manifest.Version, s.cfg.Arch, image)
		if err := pkg.ExtractImage(s.cfg.Arch, image, dst); err != nil {
			return err
		}
	}
	return nil
}

// revertInstall undoes a partial install: the entry, the container, and
// everything materialized on disk.
func (s *Supervisor) revertInstall(id types.PackageId) {
	if err := s.containers.Destroy(id); err != nil {
		s.logger.Error().Err(err).Str("package_id", id.String()).Msg("Failed to destroy container during install revert")
	}
	if err := os.RemoveAll(s.cfg.Paths.PackageDir(id)); err != nil {
		s.logger.Error().Err(err).Str("package_id", id.String()).Msg("Failed to remove package data during install revert")
	}
	err := s.db.Mutate(func(db *patchdb.Database) error {
		delete(db.Public.PackageData, id)
		delete(db.Private.PackageStores, id)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("package_id", id.String()).Msg("Failed to revert install")
	}
}

// Update replaces an Installed/Stopped package with a newer version whose
// source-version range admits the current one. The store and volumes are
// preserved.
func (s *Supervisor) Update(ctx context.Context, path string) error {
	pkg, f, err := s9pk.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	manifest, err := pkg.Manifest()
	if err != nil {
		return err
	}
	id := manifest.Id

	var oldVersion types.Version
	err = s.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[id]
		if !ok || entry.State != types.StateInstalled {
			return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is not installed", id)
		}
		if entry.Installed == nil || entry.Installed.Status.Status != types.StatusStopped {
			return errdefs.Newf(errdefs.KindInvalidRequest, "package %s must be stopped to update", id)
		}
		if manifest.SourceVersion != nil && !manifest.SourceVersion.Satisfies(entry.Manifest.Version) {
			return errdefs.Newf(errdefs.KindInvalidRequest,
				"cannot update %s from %s: outside source range %s", id, entry.Manifest.Version, manifest.SourceVersion)
		}
		oldVersion = entry.Manifest.Version
		entry.State = types.StateUpdating
		entry.InstallProgress = &types.InstallProgress{StartedAt: time.Now().UTC()}
		return nil
	})
	if err != nil {
		return err
	}

	staticFiles, err := pkg.ExtractAssets(s.cfg.Paths.VersionDir(id, manifest.Version))
	if err == nil {
		err = s.materializeImages(pkg, manifest)
	}
	if err == nil {
		for _, volume := range manifest.Volumes {
			if mkErr := os.MkdirAll(s.cfg.Paths.VolumeDir(id, volume), 0755); mkErr != nil {
				err = errdefs.Wrap(errdefs.KindFilesystem, mkErr)
				break
			}
		}
	}
	if err != nil {
		// fall back to the installed version; the old assets are intact
		s.db.Mutate(func(db *patchdb.Database) error {
			if entry, ok := db.Public.PackageData[id]; ok {
				entry.State = types.StateInstalled
				entry.InstallProgress = nil
			}
			return nil
		})
		return err
	}

	err = s.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[id]
		if !ok {
			return errdefs.NotFoundf("package %s disappeared during update", id)
		}
		entry.State = types.StateInstalled
		entry.Manifest = *manifest
		entry.StaticFiles = staticFiles
		entry.InstallProgress = nil
		return nil
	})
	if err != nil {
		return err
	}

	if oldVersion.Compare(manifest.Version) != 0 {
		if rmErr := os.RemoveAll(s.cfg.Paths.VersionDir(id, oldVersion)); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("package_id", id.String()).Msg("Failed to remove old version assets")
		}
	}
	s.logger.Info().Str("package_id", id.String()).Str("version", manifest.Version.String()).Msg("Package updated")
	return nil
}

// Remove uninstalls a package: the container, the network resources, the
// entry and its private store. The entry survives a failed removal.
func (s *Supervisor) Remove(ctx context.Context, id types.PackageId) error {
	err := s.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[id]
		if !ok {
			return errdefs.NotFoundf("package %s is not installed", id)
		}
		if entry.State != types.StateInstalled {
			return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", id, entry.State)
		}
		if entry.Installed != nil && entry.Installed.Status.Status != types.StatusStopped {
			return errdefs.Newf(errdefs.KindInvalidRequest, "package %s must be stopped to remove", id)
		}
		entry.State = types.StateRemoving
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.containers.Destroy(id); err != nil {
		return err
	}
	s.netctl.TeardownPackage(id)

	err = s.db.Mutate(func(db *patchdb.Database) error {
		delete(db.Public.PackageData, id)
		delete(db.Private.PackageStores, id)
		// drop the removed package from every mirror index
		for _, other := range db.Public.PackageData {
			if other.Installed == nil {
				continue
			}
			delete(other.Installed.CurrentDependencies, id)
			delete(other.Installed.CurrentDependents, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.forget(id)
	if err := os.RemoveAll(s.cfg.Paths.PackageDir(id)); err != nil {
		s.logger.Warn().Err(err).Str("package_id", id.String()).Msg("Failed to remove package data")
	}
	s.logger.Info().Str("package_id", id.String()).Msg("Package removed")
	return nil
}
