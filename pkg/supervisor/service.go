package supervisor

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
	"github.com/rs/zerolog"
)

// Service is the per-package actor. Lifecycle operations and effect calls
// targeting one package serialize behind its mutex; operations on
// different packages run concurrently.
type Service struct {
	pkg    types.PackageId
	sup    *Supervisor
	seed   *ActorSeed
	logger zerolog.Logger

	mu        sync.Mutex
	main      *exec.Cmd
	mainDone  chan struct{}
	idleTimer *time.Timer

	// health monitor lifetime, owned by the lifecycle transitions
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// Package returns the package id the actor serves.
func (s *Service) Package() types.PackageId { return s.pkg }

// setMain transitions the main status inside one mutate, verifying the
// current status is one of from.
func (s *Service) setMain(status types.MainStatus, from ...types.MainStatusKind) error {
	return s.sup.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[s.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", s.pkg)
		}
		if len(from) > 0 {
			current := entry.Installed.Status.Status
			allowed := false
			for _, k := range from {
				if current == k {
					allowed = true
					break
				}
			}
			if !allowed {
				return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", s.pkg, current)
			}
		}
		entry.Installed.Status = status
		return nil
	})
}

// mainStatus reads the current main status.
func (s *Service) mainStatus() (types.MainStatus, error) {
	snap := s.sup.db.Peek()
	entry, ok := snap.Doc.Public.PackageData[s.pkg]
	if !ok || entry.Installed == nil {
		return types.MainStatus{}, errdefs.NotFoundf("package %s is not installed", s.pkg)
	}
	return entry.Installed.Status, nil
}

// Start resolves dependencies, ensures the container, launches the main
// process, and records started_at. Dependencies are gated, not started:
// an unsatisfied one fails with DependencyFailure naming the offender.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelIdleTeardown()

	snap := s.sup.db.Peek()
	entry, ok := snap.Doc.Public.PackageData[s.pkg]
	if !ok || entry.State != types.StateInstalled || entry.Installed == nil {
		return errdefs.NotFoundf("package %s is not installed", s.pkg)
	}
	if entry.Installed.Status.Status != types.StatusStopped {
		return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", s.pkg, entry.Installed.Status.Status)
	}
	if err := gateDependencies(snap.Doc, s.pkg, entry.Installed.CurrentDependencies); err != nil {
		return err
	}

	if err := s.setMain(types.MainStatus{Status: types.StatusStarting}, types.StatusStopped); err != nil {
		return err
	}
	if err := s.launch(ctx, &entry.Manifest); err != nil {
		s.setMain(types.MainStatus{Status: types.StatusStopped})
		return err
	}

	now := time.Now().UTC()
	if err := s.setMain(types.MainStatus{
		Status:    types.StatusRunning,
		StartedAt: &now,
		Health:    map[types.HealthCheckId]types.HealthCheckResult{},
	}, types.StatusStarting); err != nil {
		return err
	}
	s.startHealthChecks(&entry.Manifest)
	s.logger.Info().Msg("Service started")
	return nil
}

// launch ensures the container exists and runs the manifest entrypoint, if
// any, as the service main.
func (s *Service) launch(ctx context.Context, manifest *types.Manifest) error {
	c := s.sup.containers.Get(s.pkg)
	if c == nil {
		var err error
		c, err = s.sup.containers.Create(s.pkg, "")
		if err != nil {
			return err
		}
	}
	if len(manifest.Entrypoint) == 0 {
		return nil
	}

	cmd := exec.Command(manifest.Entrypoint[0], manifest.Entrypoint[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: c.Rootfs,
		Setsid: true,
		Credential: &syscall.Credential{
			Uid: container.UidOffset,
			Gid: container.UidOffset,
		},
	}
	if err := cmd.Start(); err != nil {
		return errdefs.Newf(errdefs.KindLxc, "start main for %s: %v", s.pkg, err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	s.main = cmd
	s.mainDone = done
	return nil
}

// Stop terminates the main process with SIGTERM, escalating to SIGKILL
// after the grace window, and schedules container teardown after the idle
// window.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.mainStatus()
	if err != nil {
		return err
	}
	switch status.Status {
	case types.StatusRunning, types.StatusStarting:
	case types.StatusStopped:
		return nil
	default:
		return errdefs.Newf(errdefs.KindInvalidRequest, "package %s is %s", s.pkg, status.Status)
	}

	if err := s.setMain(types.MainStatus{Status: types.StatusStopping}, types.StatusRunning, types.StatusStarting); err != nil {
		return err
	}
	s.stopHealthChecks()
	s.terminateMain()
	if err := s.setMain(types.MainStatus{Status: types.StatusStopped}, types.StatusStopping); err != nil {
		return err
	}
	s.scheduleIdleTeardown()
	s.logger.Info().Msg("Service stopped")
	return nil
}

// Restart cycles the main process. Dependents observe a transient health
// degrade, not a stop: the status goes Restarting, never Stopped.
func (s *Service) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setMain(types.MainStatus{Status: types.StatusRestarting}, types.StatusRunning); err != nil {
		return err
	}
	s.stopHealthChecks()
	s.terminateMain()

	snap := s.sup.db.Peek()
	entry := snap.Doc.Public.PackageData[s.pkg]
	if entry == nil {
		return errdefs.NotFoundf("package %s disappeared during restart", s.pkg)
	}
	if err := s.launch(ctx, &entry.Manifest); err != nil {
		s.setMain(types.MainStatus{Status: types.StatusStopped})
		return err
	}

	now := time.Now().UTC()
	err := s.setMain(types.MainStatus{
		Status:    types.StatusRunning,
		StartedAt: &now,
		Health:    map[types.HealthCheckId]types.HealthCheckResult{},
	}, types.StatusRestarting)
	if err != nil {
		return err
	}
	s.startHealthChecks(&entry.Manifest)
	s.logger.Info().Msg("Service restarted")
	return nil
}

// terminateMain sends SIGTERM, waits the grace window, then SIGKILLs.
// Callers hold the actor mutex.
func (s *Service) terminateMain() {
	if s.main == nil || s.main.Process == nil {
		return
	}
	s.main.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.mainDone:
	case <-time.After(s.sup.cfg.StopGrace):
		s.logger.Warn().Msg("Grace window expired, killing main process")
		s.main.Process.Kill()
		<-s.mainDone
	}
	s.main = nil
	s.mainDone = nil
}

// scheduleIdleTeardown destroys the container after the idle window if the
// service is still stopped. Callers hold the actor mutex.
func (s *Service) scheduleIdleTeardown() {
	s.cancelIdleTeardown()
	s.idleTimer = time.AfterFunc(s.sup.cfg.IdleWindow, func() {
		status, err := s.mainStatus()
		if err != nil || status.Status != types.StatusStopped {
			return
		}
		if err := s.sup.containers.Destroy(s.pkg); err != nil {
			s.logger.Error().Err(err).Msg("Idle container teardown failed")
		} else {
			s.logger.Debug().Msg("Idle container torn down")
		}
	})
}

func (s *Service) cancelIdleTeardown() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// Started handles a guest's setMainStatus(running): the supervisor records
// the transition and started_at. The transition is gated like every other
// lifecycle edge; a guest cannot resurrect a service the host has stopped.
func (s *Service) Started() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	err := s.setMain(types.MainStatus{
		Status:    types.StatusRunning,
		StartedAt: &now,
		Health:    map[types.HealthCheckId]types.HealthCheckResult{},
	}, types.StatusStarting, types.StatusRunning, types.StatusRestarting)
	if err != nil {
		return err
	}
	if entry, ok := s.sup.db.Peek().Doc.Public.PackageData[s.pkg]; ok {
		s.startHealthChecks(&entry.Manifest)
	}
	return nil
}

// Stopped handles a guest's setMainStatus(stopped).
func (s *Service) Stopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHealthChecks()
	s.terminateMain()
	if err := s.setMain(types.MainStatus{Status: types.StatusStopped}); err != nil {
		return err
	}
	s.scheduleIdleTeardown()
	return nil
}

// SetHealth records a health check result. The result lands in the health
// map only while the main status carries one (Running or BackingUp).
func (s *Service) SetHealth(id types.HealthCheckId, result types.HealthCheckResult) error {
	return s.sup.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[s.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", s.pkg)
		}
		status := &entry.Installed.Status
		if !status.HasHealth() {
			return nil
		}
		if status.Health == nil {
			status.Health = make(map[types.HealthCheckId]types.HealthCheckResult)
		}
		status.Health[id] = result
		return nil
	})
}
