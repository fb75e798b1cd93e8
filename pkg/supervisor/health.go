package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/health"
	"github.com/cuemby/startd/pkg/types"
)

// checkEntry pairs one declared health check with its tracked status.
type checkEntry struct {
	id      types.HealthCheckId
	checker health.Checker
	status  *health.Status
	cfg     health.Config
}

// buildCheckEntries compiles the manifest's declared checks against the
// service's container. Checks that cannot be built (no container, unknown
// type) are skipped with a warning rather than failing the start.
func (s *Service) buildCheckEntries(manifest *types.Manifest) []*checkEntry {
	c := s.sup.containers.Get(s.pkg)
	var entries []*checkEntry
	for id, spec := range manifest.HealthChecks {
		cfg := health.DefaultConfig()
		if spec.IntervalSecs > 0 {
			cfg.Interval = time.Duration(spec.IntervalSecs) * time.Second
		}
		if spec.TimeoutSecs > 0 {
			cfg.Timeout = time.Duration(spec.TimeoutSecs) * time.Second
		}
		if spec.Retries > 0 {
			cfg.Retries = spec.Retries
		}
		if spec.StartPeriodSecs > 0 {
			cfg.StartPeriod = time.Duration(spec.StartPeriodSecs) * time.Second
		}
		if c == nil {
			s.logger.Warn().Str("check", id.String()).Msg("No container for health check")
			continue
		}

		var checker health.Checker
		switch spec.Type {
		case "http":
			url := fmt.Sprintf("http://%s:%d%s", c.IP, spec.Port, spec.Path)
			checker = health.NewHTTPChecker(url, cfg.Timeout)
		case "tcp":
			checker = health.NewTCPChecker(fmt.Sprintf("%s:%d", c.IP, spec.Port), cfg.Timeout)
		case "exec":
			command := spec.Command
			checker = &health.ExecChecker{
				Command: command,
				Runner: func(ctx context.Context, cmd []string) (int, error) {
					return c.Exec(ctx, container.ExecOptions{Command: cmd})
				},
			}
		default:
			s.logger.Warn().Str("check", id.String()).Str("type", spec.Type).Msg("Unknown health check type")
			continue
		}
		entries = append(entries, &checkEntry{id: id, checker: checker, status: health.NewStatus(), cfg: cfg})
	}
	return entries
}

// runCheck performs one probe and folds the result into the health map.
// The write is dropped by SetHealth once the main status no longer
// carries health.
func (s *Service) runCheck(ctx context.Context, e *checkEntry) {
	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	result := e.checker.Check(checkCtx)
	cancel()
	e.status.Update(result)
	err := s.SetHealth(e.id, types.HealthCheckResult{
		Result:  e.status.Kind(e.cfg),
		Message: result.Message,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("check", e.id.String()).Msg("Dropped health result")
	}
}

// startHealthChecks spawns the monitor for the manifest's declared checks.
// Callers hold the actor mutex; any prior monitor is stopped first.
func (s *Service) startHealthChecks(manifest *types.Manifest) {
	s.stopHealthChecks()
	entries := s.buildCheckEntries(manifest)
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.healthCancel = cancel
	s.healthDone = done

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(e.cfg.Interval)
			defer ticker.Stop()
			s.runCheck(ctx, e)
			for {
				select {
				case <-ticker.C:
					s.runCheck(ctx, e)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
}

// stopHealthChecks cancels the monitor and joins it. Callers hold the
// actor mutex; stopping an absent monitor is a no-op.
func (s *Service) stopHealthChecks() {
	if s.healthCancel == nil {
		return
	}
	s.healthCancel()
	<-s.healthDone
	s.healthCancel = nil
	s.healthDone = nil
}
