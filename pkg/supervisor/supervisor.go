package supervisor

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/net"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes the supervisor.
type Config struct {
	Paths Paths

	// Arch selects which image subtree installs materialize.
	Arch string

	// StopGrace is how long a stopping service gets between SIGTERM and
	// SIGKILL.
	StopGrace time.Duration

	// IdleWindow is how long a stopped service keeps its container before
	// teardown.
	IdleWindow time.Duration
}

// Supervisor owns the per-package service actors and drives the package
// state machine against the database, container runtime and network
// controller.
type Supervisor struct {
	db         *patchdb.PatchDB
	containers *container.Manager
	netctl     *net.Controller
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger

	mu       sync.Mutex
	services map[types.PackageId]*Service
}

// New assembles a supervisor.
func New(db *patchdb.PatchDB, containers *container.Manager, netctl *net.Controller, httpClient *http.Client, cfg Config) *Supervisor {
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = 5 * time.Minute
	}
	return &Supervisor{
		db:         db,
		containers: containers,
		netctl:     netctl,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     log.WithComponent("supervisor"),
		services:   make(map[types.PackageId]*Service),
	}
}

// DB exposes the database handle for the effect layer.
func (s *Supervisor) DB() *patchdb.PatchDB { return s.db }

// Net exposes the network controller for the effect layer.
func (s *Supervisor) Net() *net.Controller { return s.netctl }

// Containers exposes the container manager for the effect layer.
func (s *Supervisor) Containers() *container.Manager { return s.containers }

// HTTPClient is the onion-aware client used for registry fetches.
func (s *Supervisor) HTTPClient() *http.Client { return s.httpClient }

// Get returns the service actor for a package.
func (s *Supervisor) Get(pkg types.PackageId) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[pkg]
	if !ok {
		return nil, errdefs.NotFoundf("service %s not found", pkg)
	}
	return svc, nil
}

// Seed resolves a package to its actor seed. A torn-down seed fails with
// InvalidRequest, which is what guests of a destroyed service observe.
func (s *Supervisor) Seed(pkg types.PackageId) (*ActorSeed, error) {
	s.mu.Lock()
	svc, ok := s.services[pkg]
	s.mu.Unlock()
	if !ok || svc.seed.destroyed.Load() {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "Service has already been destroyed")
	}
	return svc.seed, nil
}

// List returns the known package ids.
func (s *Supervisor) List() []types.PackageId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PackageId, 0, len(s.services))
	for pkg := range s.services {
		out = append(out, pkg)
	}
	return out
}

// adopt registers an actor for a package, replacing any destroyed one.
func (s *Supervisor) adopt(pkg types.PackageId) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[pkg]; ok && !svc.seed.destroyed.Load() {
		return svc
	}
	svc := &Service{
		pkg:    pkg,
		sup:    s,
		logger: log.WithPackage(pkg.String()),
	}
	svc.seed = &ActorSeed{Package: pkg, svc: svc}
	s.services[pkg] = svc
	return svc
}

// forget tears an actor down; subsequent effect calls through its seed fail.
func (s *Supervisor) forget(pkg types.PackageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[pkg]; ok {
		svc.seed.destroyed.Store(true)
		delete(s.services, pkg)
	}
}

// Shutdown stops every running service within the grace window, then tears
// down the containers.
func (s *Supervisor) Shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, pkg := range s.List() {
		pkg := pkg
		g.Go(func() error {
			svc, err := s.Get(pkg)
			if err != nil {
				return nil
			}
			if err := svc.Stop(ctx); err != nil && !errdefs.IsKind(err, errdefs.KindInvalidRequest) {
				s.logger.Error().Err(err).Str("package_id", pkg.String()).Msg("Failed to stop service during shutdown")
			}
			return nil
		})
	}
	g.Wait()
	s.containers.DestroyAll()
}

// ActorSeed is the weakly-held reference the effect bus resolves per call.
type ActorSeed struct {
	Package types.PackageId

	svc       *Service
	destroyed atomic.Bool
}

// Service returns the actor behind the seed, or an InvalidRequest error
// when the actor was torn down between resolution and use.
func (a *ActorSeed) Service() (*Service, error) {
	if a.destroyed.Load() {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "Service has already been destroyed")
	}
	return a.svc, nil
}
