package supervisor

import (
	"context"

	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
)

// CleanupAndInitialize reconciles the database with reality after a boot:
// transient statuses collapse to Stopped, dependency declarations are
// recomputed from manifests where missing, the mirror index is rebuilt,
// and exported interfaces are re-registered with the network controller.
func (s *Supervisor) CleanupAndInitialize(ctx context.Context) error {
	var wasRunning []types.PackageId
	err := s.db.Mutate(func(db *patchdb.Database) error {
		for id, entry := range db.Public.PackageData {
			// interrupted installs and removals do not survive a reboot
			switch entry.State {
			case types.StateInstalling, types.StateRemoving:
				delete(db.Public.PackageData, id)
				delete(db.Private.PackageStores, id)
				continue
			case types.StateUpdating:
				entry.State = types.StateInstalled
				entry.InstallProgress = nil
			}
			if entry.Installed == nil {
				entry.Installed = patchdb.NewInstalledInfo()
			}
			switch entry.Installed.Status.Status {
			case types.StatusStopped, types.StatusRunning:
			default:
				entry.Installed.Status = types.MainStatus{Status: types.StatusStopped}
			}
			// nothing is actually running right after boot; remember what
			// was, so it restarts in dependency order below
			if entry.Installed.Status.Status == types.StatusRunning {
				entry.Installed.Status = types.MainStatus{Status: types.StatusStopped}
				wasRunning = append(wasRunning, id)
			}
			if len(entry.Installed.CurrentDependencies) == 0 {
				for depId, dep := range entry.Manifest.Dependencies {
					entry.Installed.CurrentDependencies[depId] = types.CurrentDependencyInfo{
						Kind:        types.DependencyExists,
						VersionSpec: dep.Version,
					}
				}
			}
		}
		mirrorDependents(db)
		return nil
	})
	if err != nil {
		return err
	}

	snap := s.db.Peek()
	for id, entry := range snap.Doc.Public.PackageData {
		s.adopt(id)
		if entry.Installed == nil {
			continue
		}
		for host, infos := range entry.Installed.InterfaceAddresses {
			for _, info := range infos {
				if err := s.netctl.ExportHostname(id, host, info); err != nil {
					s.logger.Warn().Err(err).Str("package_id", id.String()).Msg("Failed to re-export hostname")
				}
			}
		}
	}
	s.logger.Info().Int("packages", len(snap.Doc.Public.PackageData)).Msg("Boot reconciliation complete")

	for _, id := range topoOrder(snap.Doc, wasRunning) {
		svc, err := s.Get(id)
		if err != nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			s.logger.Warn().Err(err).Str("package_id", id.String()).Msg("Failed to restart service on boot")
		}
	}
	return nil
}

// topoOrder sorts packages so dependencies start before their dependents.
// Cycles degrade to declaration order rather than deadlocking the boot.
func topoOrder(db *patchdb.Database, ids []types.PackageId) []types.PackageId {
	pending := make(map[types.PackageId]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	var out []types.PackageId
	var visit func(id types.PackageId, seen map[types.PackageId]bool)
	visit = func(id types.PackageId, seen map[types.PackageId]bool) {
		if !pending[id] || seen[id] {
			return
		}
		seen[id] = true
		if entry, ok := db.Public.PackageData[id]; ok && entry.Installed != nil {
			for depId := range entry.Installed.CurrentDependencies {
				visit(depId, seen)
			}
		}
		pending[id] = false
		out = append(out, id)
	}
	for _, id := range ids {
		visit(id, make(map[types.PackageId]bool))
	}
	return out
}
