package rpc

import (
	"context"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/startd/pkg/config"
	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/effect"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/metrics"
	netctl "github.com/cuemby/startd/pkg/net"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/supervisor"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Context owns the process singletons and their lifecycle:
// init -> CleanupAndInitialize -> Serve -> Shutdown.
type Context struct {
	Cfg        config.Config
	DB         *patchdb.PatchDB
	Containers *container.Manager
	Net        *netctl.Controller
	Sup        *supervisor.Supervisor
	Bus        *effect.Bus
	HTTPClient *http.Client

	logger     zerolog.Logger
	shutdownCh chan struct{}
	closed     atomic.Bool
	watchers   []*taskGuard
}

// taskGuard owns a background task; Stop cancels and joins it so no
// dangling worker survives shutdown.
type taskGuard struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (g *taskGuard) Stop() {
	g.cancel()
	<-g.done
}

// Init assembles the runtime context from configuration. First boot
// normally goes through setup before this; when no database exists yet,
// Init seeds a placeholder document (server id "unconfigured").
func Init(cfg config.Config) (*Context, error) {
	db, err := patchdb.Open(cfg.DataDir, func() *patchdb.Database {
		return patchdb.Init(patchdb.InitAccount{ServerId: "unconfigured", Hostname: "startos"})
	})
	if err != nil {
		return nil, err
	}

	containers, err := container.NewManager(cfg.ContainerDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	ca, err := netctl.NewCertAuthority(db.Peek().Doc.Public.ServerInfo.Hostname)
	if err != nil {
		db.Close()
		return nil, err
	}
	controller := netctl.NewController(db, ca, containers.GetIP)

	paths := supervisor.Paths{Root: cfg.PackageDataDir, BackupRoot: cfg.BackupDir}
	arch := config.Platform()
	httpClient := netctl.NewOnionAwareClient(cfg.TorSocks)

	sup := supervisor.New(db, containers, controller, httpClient, supervisor.Config{
		Paths:      paths,
		Arch:       arch,
		StopGrace:  time.Duration(cfg.StopGraceSecs) * time.Second,
		IdleWindow: time.Duration(cfg.IdleWindowSecs) * time.Second,
	})

	return &Context{
		Cfg:        cfg,
		DB:         db,
		Containers: containers,
		Net:        controller,
		Sup:        sup,
		Bus:        effect.NewBus(sup, paths, arch),
		HTTPClient: httpClient,
		logger:     log.WithComponent("rpc"),
		shutdownCh: make(chan struct{}),
	}, nil
}

// CleanupAndInitialize reconciles state after boot and starts the
// background watchers.
func (c *Context) CleanupAndInitialize(ctx context.Context) error {
	if err := c.Sup.CleanupAndInitialize(ctx); err != nil {
		return err
	}
	if err := c.Net.Lan.Start(c.Cfg.MdnsBind); err != nil {
		return err
	}
	c.spawnWatcher(time.Minute, c.checkNtpSync)
	c.spawnWatcher(30*time.Second, c.updateResourceGauges)
	return nil
}

// ShutdownRequested closes when an operator asked the server to stop.
func (c *Context) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}

// RequestShutdown broadcasts the shutdown intent. Idempotent.
func (c *Context) RequestShutdown() {
	select {
	case <-c.shutdownCh:
	default:
		close(c.shutdownCh)
	}
}

// Shutdown stops all services, tears the runtime down, and flips the
// closed flag; further use of the context fails.
func (c *Context) Shutdown(ctx context.Context) {
	if c.closed.Swap(true) {
		return
	}
	for _, g := range c.watchers {
		g.Stop()
	}
	c.Bus.Close()
	c.Sup.Shutdown(ctx)
	c.Net.Close()
	c.DB.Close()
	c.logger.Info().Msg("Runtime context shut down")
}

// Closed reports whether Shutdown ran.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

func (c *Context) spawnWatcher(interval time.Duration, tick func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &taskGuard{cancel: cancel, done: make(chan struct{})}
	c.watchers = append(c.watchers, g)
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick(ctx)
		for {
			select {
			case <-ticker.C:
				tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// checkNtpSync mirrors the host's NTP synchronization bit into the db.
// Transient failures are logged and retried on the next tick.
func (c *Context) checkNtpSync(ctx context.Context) {
	out, err := exec.CommandContext(ctx, "timedatectl", "show", "-p", "NTPSynchronized", "--value").Output()
	if err != nil {
		c.logger.Debug().Err(err).Msg("NTP sync probe failed")
		return
	}
	synced := strings.TrimSpace(string(out)) == "yes"
	err = c.DB.Mutate(func(db *patchdb.Database) error {
		db.Public.ServerInfo.NtpSynced = synced
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record NTP sync state")
	}
}

// updateResourceGauges refreshes the coarse resource gauges in server-info
// and the exported metrics.
func (c *Context) updateResourceGauges(ctx context.Context) {
	var fs unix.Statfs_t
	if err := unix.Statfs(c.Cfg.DataDir, &fs); err != nil {
		return
	}
	total := float64(fs.Blocks) * float64(fs.Bsize)
	free := float64(fs.Bavail) * float64(fs.Bsize)
	if total == 0 {
		return
	}
	used := total - free

	err := c.DB.Mutate(func(db *patchdb.Database) error {
		db.Public.ServerInfo.Specs.Disk = patchdb.Usage{Used: used, Total: total}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record resource gauges")
	}
	metrics.DiskUsage.Set(used / total)

	snap := c.DB.Peek()
	running := 0
	states := map[string]int{}
	for _, entry := range snap.Doc.Public.PackageData {
		states[string(entry.State)]++
		if entry.Installed != nil && entry.Installed.Status.Status == "running" {
			running++
		}
	}
	metrics.ServicesRunning.Set(float64(running))
	for state, count := range states {
		metrics.PackagesTotal.WithLabelValues(state).Set(float64(count))
	}
}

// guard returns an error once the context is closed; RPC handlers call it
// before touching any singleton.
func (c *Context) guard() error {
	if c.closed.Load() {
		return errdefs.New(errdefs.KindInvalidRequest, "server is shutting down")
	}
	return nil
}
