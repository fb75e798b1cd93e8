package supervisor

import (
	"context"

	"github.com/cuemby/startd/pkg/backup"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/types"
)

// Backup snapshots the package's volumes. A running service keeps its
// health map visible under BackingUp; when the snapshot completes the
// service always lands in Stopped, regardless of its prior state.
func (s *Service) Backup(ctx context.Context) (*backup.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.mainStatus()
	if err != nil {
		return nil, err
	}

	var health map[types.HealthCheckId]types.HealthCheckResult
	switch status.Status {
	case types.StatusRunning:
		health = status.Health
	case types.StatusStopped:
	default:
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", s.pkg, status.Status)
	}

	if err := s.setMain(types.MainStatus{Status: types.StatusBackingUp, Health: health},
		types.StatusRunning, types.StatusStopped); err != nil {
		return nil, err
	}

	snap := s.sup.db.Peek()
	entry := snap.Doc.Public.PackageData[s.pkg]
	if entry == nil {
		return nil, errdefs.NotFoundf("package %s disappeared during backup", s.pkg)
	}

	manifest, backupErr := backup.Snapshot(s.pkg, entry.Manifest.Version,
		s.sup.cfg.Paths.VolumesDir(s.pkg), s.sup.cfg.Paths.BackupDir(s.pkg))

	// the process, if any, is stopped after the snapshot so the volumes it
	// was writing are quiesced only once; its checks go with it
	s.stopHealthChecks()
	s.terminateMain()
	if err := s.setMain(types.MainStatus{Status: types.StatusStopped}, types.StatusBackingUp); err != nil {
		return nil, err
	}
	s.scheduleIdleTeardown()

	if backupErr != nil {
		return nil, backupErr
	}
	s.logger.Info().Str("hash", manifest.Hash).Msg("Backup complete")
	return manifest, nil
}

// RestoreVolumes unpacks the most recent snapshot over the package's
// volumes. The service must be stopped.
func (s *Service) RestoreVolumes(ctx context.Context) (*backup.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.mainStatus()
	if err != nil {
		return nil, err
	}
	if status.Status != types.StatusStopped {
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", s.pkg, status.Status)
	}

	if err := s.setMain(types.MainStatus{Status: types.StatusRestoring}, types.StatusStopped); err != nil {
		return nil, err
	}
	manifest, restoreErr := backup.Restore(s.sup.cfg.Paths.BackupDir(s.pkg), s.sup.cfg.Paths.VolumesDir(s.pkg))
	if err := s.setMain(types.MainStatus{Status: types.StatusStopped}, types.StatusRestoring); err != nil {
		return nil, err
	}
	if restoreErr != nil {
		return nil, restoreErr
	}
	return manifest, nil
}
