package container

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/ioutil"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultRoot is where container rootfs trees live.
	DefaultRoot = "/embassy-data/containers"

	// UidOffset maps container uid 0 to this host uid.
	UidOffset = 100000

	// UidRange is the size of the user-namespace mapping.
	UidRange = 65536
)

// Manager owns the per-service Linux containers.
type Manager struct {
	root   string
	logger zerolog.Logger

	mu         sync.Mutex
	containers map[string]*Container
	byPackage  map[types.PackageId]*Container
	nextIP     byte
}

// NewManager creates a container manager rooted at dir. An empty dir uses
// DefaultRoot.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		dir = DefaultRoot
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	return &Manager{
		root:       dir,
		logger:     log.WithComponent("container"),
		containers: make(map[string]*Container),
		byPackage:  make(map[types.PackageId]*Container),
		nextIP:     2,
	}, nil
}

// Create allocates a container for a package and unpacks the base rootfs.
func (m *Manager) Create(pkg types.PackageId, rootfsSource string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPackage[pkg]; ok {
		return existing, nil
	}

	id := uuid.New().String()
	dir := filepath.Join(m.root, id)
	rootfs := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLxc, err)
	}
	if rootfsSource != "" {
		if err := ioutil.CopyDir(rootfsSource, rootfs, nil); err != nil {
			os.RemoveAll(dir)
			return nil, errdefs.Wrap(errdefs.KindLxc, err)
		}
	}

	ip := net.IPv4(10, 0, 3, m.nextIP)
	m.nextIP++

	c := &Container{
		Id:       id,
		Package:  pkg,
		Rootfs:   rootfs,
		IP:       ip,
		logger:   log.WithContainer(id),
		overlays: make(map[string]*OverlayGuard),
	}
	m.containers[id] = c
	m.byPackage[pkg] = c

	m.logger.Info().Str("package_id", pkg.String()).Str("container_id", id).Msg("Container created")
	return c, nil
}

// Get returns the container for a package, or nil.
func (m *Manager) Get(pkg types.PackageId) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPackage[pkg]
}

// GetIP returns the container address for a package.
func (m *Manager) GetIP(pkg types.PackageId) (net.IP, error) {
	c := m.Get(pkg)
	if c == nil {
		return nil, errdefs.NotFoundf("no container for %s", pkg)
	}
	return c.IP, nil
}

// Destroy unmounts all overlays in LIFO order, removes the rootfs, and
// forgets the container.
func (m *Manager) Destroy(pkg types.PackageId) error {
	m.mu.Lock()
	c, ok := m.byPackage[pkg]
	if ok {
		delete(m.byPackage, pkg)
		delete(m.containers, c.Id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.releaseOverlays(); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(c.Rootfs)); err != nil {
		return errdefs.Wrap(errdefs.KindLxc, err)
	}
	m.logger.Info().Str("package_id", pkg.String()).Msg("Container destroyed")
	return nil
}

// DestroyAll tears down every container, e.g. on shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	pkgs := make([]types.PackageId, 0, len(m.byPackage))
	for pkg := range m.byPackage {
		pkgs = append(pkgs, pkg)
	}
	m.mu.Unlock()
	for _, pkg := range pkgs {
		if err := m.Destroy(pkg); err != nil {
			m.logger.Error().Err(err).Str("package_id", pkg.String()).Msg("Failed to destroy container")
		}
	}
}

// EffectSocketPath is the well-known guest path of the effect bus socket.
const EffectSocketPath = "run/startos/rpc.sock"

// SocketPath resolves the host-side path of a container's effect socket.
func (c *Container) SocketPath() string {
	return filepath.Join(c.Rootfs, EffectSocketPath)
}

func overlayMountpoint(guid string) string {
	return fmt.Sprintf("media/startos/overlays/%s", guid)
}
