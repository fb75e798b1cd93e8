package setup

import (
	"os"
	"path/filepath"

	"github.com/cuemby/startd/pkg/backup"
	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/types"
)

// Restore rebuilds package volumes from a backup target directory laid
// out as one backup directory per package. The database itself is
// recreated by the following fresh setup; restore only rehydrates data.
func Restore(cfg config.Config, backupRoot string) ([]types.PackageId, error) {
	logger := log.WithComponent("setup")

	entries, err := os.ReadDir(backupRoot)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNotFound, err)
	}

	var restored []types.PackageId
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pkg := types.PackageId(entry.Name())
		if err := pkg.Validate(); err != nil {
			logger.Warn().Str("name", entry.Name()).Msg("Skipping non-package backup directory")
			continue
		}
		volumesDir := filepath.Join(cfg.PackageDataDir, pkg.String(), "volumes")
		manifest, err := backup.Restore(filepath.Join(backupRoot, entry.Name()), volumesDir)
		if err != nil {
			return restored, err
		}
		logger.Info().Str("package_id", pkg.String()).Str("hash", manifest.Hash).Msg("Volumes restored")
		restored = append(restored, pkg)
	}
	return restored, nil
}
