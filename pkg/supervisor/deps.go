package supervisor

import (
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
)

// gateDependencies enforces the start-time dependency gate: every declared
// dependency must exist at a satisfying version, and Running dependencies
// must additionally be running with every listed health check passing.
// Nothing is started on the caller's behalf.
func gateDependencies(db *patchdb.Database, pkg types.PackageId, deps map[types.PackageId]types.CurrentDependencyInfo) error {
	for depId, dep := range deps {
		entry, ok := db.Public.PackageData[depId]
		if !ok || entry.State != types.StateInstalled || entry.Installed == nil {
			return errdefs.Newf(errdefs.KindDependencyFailure, "%s: not installed", depId)
		}
		if !dep.VersionSpec.Satisfies(entry.Manifest.Version) {
			return errdefs.Newf(errdefs.KindDependencyFailure,
				"%s: version %s does not satisfy %s", depId, entry.Manifest.Version, dep.VersionSpec)
		}
		if dep.Kind != types.DependencyRunning {
			continue
		}
		status := entry.Installed.Status
		if status.Status != types.StatusRunning {
			return errdefs.Newf(errdefs.KindDependencyFailure, "%s: not running", depId)
		}
		for _, check := range dep.HealthChecks {
			result, ok := status.Health[check]
			if !ok || result.Result != types.HealthPassing {
				return errdefs.Newf(errdefs.KindDependencyFailure, "%s: health check %s not passing", depId, check)
			}
		}
	}
	return nil
}

// mirrorDependents rebuilds every current_dependents set from the
// current_dependencies maps, keeping the two unidirectional indexes
// consistent. The dependents map is derived state; this is the only
// writer. Must run inside the same mutate as any dependency change.
func mirrorDependents(db *patchdb.Database) {
	for _, entry := range db.Public.PackageData {
		if entry.Installed != nil {
			entry.Installed.CurrentDependents = make(map[types.PackageId]struct{})
		}
	}
	for id, entry := range db.Public.PackageData {
		if entry.Installed == nil {
			continue
		}
		for depId := range entry.Installed.CurrentDependencies {
			dep, ok := db.Public.PackageData[depId]
			if !ok || dep.Installed == nil {
				continue
			}
			dep.Installed.CurrentDependents[id] = struct{}{}
		}
	}
}

// SetDependencies replaces the caller's declared dependencies and rebuilds
// the mirror index in the same transaction. Titles and icons resolve from
// the installed entry when present. A registry_url is stored as given; no
// remote metadata is fetched for it, so a dependency that is not installed
// gets no title or icon.
func (s *Service) SetDependencies(requirements []types.DependencyRequirement) error {
	return s.sup.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[s.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", s.pkg)
		}

		deps := make(map[types.PackageId]types.CurrentDependencyInfo, len(requirements))
		for _, req := range requirements {
			if err := req.Id.Validate(); err != nil {
				return err
			}
			info := types.CurrentDependencyInfo{
				Kind:            req.Kind,
				HealthChecks:    req.HealthChecks,
				VersionSpec:     req.VersionSpec,
				RegistryUrl:     req.RegistryUrl,
				ConfigSatisfied: true,
			}
			if installed, ok := db.Public.PackageData[req.Id]; ok {
				info.Title = installed.Manifest.Title
				if installed.StaticFiles != nil {
					info.Icon = installed.StaticFiles.Icon
				}
			}
			deps[req.Id] = info
		}
		entry.Installed.CurrentDependencies = deps
		mirrorDependents(db)
		return nil
	})
}

// GetDependencies returns the caller's declared dependencies as
// requirements, the inverse of SetDependencies.
func (s *Service) GetDependencies() ([]types.DependencyRequirement, error) {
	snap := s.sup.db.Peek()
	entry, ok := snap.Doc.Public.PackageData[s.pkg]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", s.pkg)
	}
	out := make([]types.DependencyRequirement, 0, len(entry.Installed.CurrentDependencies))
	for id, dep := range entry.Installed.CurrentDependencies {
		out = append(out, types.DependencyRequirement{
			Id:           id,
			Kind:         dep.Kind,
			HealthChecks: dep.HealthChecks,
			VersionSpec:  dep.VersionSpec,
			RegistryUrl:  dep.RegistryUrl,
		})
	}
	return out, nil
}

// CheckDependencies reports install, run and health state for the given
// packages, defaulting to the caller's declared dependencies.
func (s *Service) CheckDependencies(ids []types.PackageId) ([]types.DependencyCheckResult, error) {
	snap := s.sup.db.Peek()
	entry, ok := snap.Doc.Public.PackageData[s.pkg]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", s.pkg)
	}
	if len(ids) == 0 {
		for id := range entry.Installed.CurrentDependencies {
			ids = append(ids, id)
		}
	}

	out := make([]types.DependencyCheckResult, 0, len(ids))
	for _, id := range ids {
		result := types.DependencyCheckResult{PackageId: id}
		dep, ok := snap.Doc.Public.PackageData[id]
		if ok && dep.State == types.StateInstalled && dep.Installed != nil {
			result.IsInstalled = true
			version := dep.Manifest.Version
			result.Version = &version
			result.IsRunning = dep.Installed.Status.Status == types.StatusRunning
			if dep.Installed.Status.HasHealth() {
				result.HealthChecks = dep.Installed.Status.Health
			}
		}
		out = append(out, result)
	}
	return out, nil
}
