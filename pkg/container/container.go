package container

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Container is one service's isolated root filesystem plus its mounts.
type Container struct {
	Id      string
	Package types.PackageId
	Rootfs  string
	IP      net.IP

	logger zerolog.Logger

	// guards overlays and binds; every mount and unmount goes through it
	mu           sync.Mutex
	overlays     map[string]*OverlayGuard
	overlayOrder []string
	binds        []specs.Mount
}

// OverlayGuard is a mounted overlay image. Destroying the guard unmounts
// everything it mounted, in reverse order.
type OverlayGuard struct {
	Guid       string
	Mountpoint string // host path
	GuestPath  string // path as seen by the guest

	loopDev  string
	lowerDir string
	upperDir string
	workDir  string
}

// Mount describes the guard as an OCI mount entry.
func (g *OverlayGuard) Mount() specs.Mount {
	return specs.Mount{
		Destination: "/" + g.GuestPath,
		Type:        "overlay",
		Source:      g.lowerDir,
		Options: []string{
			"lowerdir=" + g.lowerDir,
			"upperdir=" + g.upperDir,
			"workdir=" + g.workDir,
		},
	}
}

// Overlay loop-mounts a squashfs image as the read-only lower layer of an
// overlay inside the container and returns a guard keyed by guid. The
// overlay is not id-mapped. Mount errors abort the whole operation; nothing
// is left half mounted.
func (c *Container) Overlay(squashfs string, guid string) (*OverlayGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	guestPath := overlayMountpoint(guid)
	base := filepath.Join(c.Rootfs, guestPath)
	g := &OverlayGuard{
		Guid:       guid,
		Mountpoint: base,
		GuestPath:  guestPath,
		lowerDir:   filepath.Join(c.Rootfs, "media/startos/images", guid, "lower"),
		upperDir:   filepath.Join(c.Rootfs, "media/startos/images", guid, "upper"),
		workDir:    filepath.Join(c.Rootfs, "media/startos/images", guid, "work"),
	}
	for _, dir := range []string{base, g.lowerDir, g.upperDir, g.workDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errdefs.Wrap(errdefs.KindFilesystem, err)
		}
	}

	loopDev, err := attachLoop(squashfs)
	if err != nil {
		return nil, err
	}
	g.loopDev = loopDev

	if err := unix.Mount(loopDev, g.lowerDir, "squashfs", unix.MS_RDONLY, ""); err != nil {
		detachLoop(loopDev)
		return nil, errdefs.Newf(errdefs.KindFilesystem, "mount squashfs %s: %v", squashfs, err)
	}

	opts := "lowerdir=" + g.lowerDir + ",upperdir=" + g.upperDir + ",workdir=" + g.workDir
	if err := unix.Mount("overlay", base, "overlay", 0, opts); err != nil {
		unix.Unmount(g.lowerDir, 0)
		detachLoop(loopDev)
		return nil, errdefs.Newf(errdefs.KindFilesystem, "mount overlay for %s: %v", guid, err)
	}

	c.overlays[guid] = g
	c.overlayOrder = append(c.overlayOrder, guid)
	c.logger.Debug().Str("guid", guid).Msg("Overlay mounted")
	return g, nil
}

// DestroyOverlay unmounts the overlay with the given guid. A missing guid
// logs a warning and succeeds.
func (c *Container) DestroyOverlay(guid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.overlays[guid]
	if !ok {
		c.logger.Warn().Str("guid", guid).Msg("Destroy of unknown overlay, ignoring")
		return nil
	}
	if err := g.release(); err != nil {
		return err
	}
	delete(c.overlays, guid)
	for i, id := range c.overlayOrder {
		if id == guid {
			c.overlayOrder = append(c.overlayOrder[:i], c.overlayOrder[i+1:]...)
			break
		}
	}
	return nil
}

// BindMount mounts a host path into the container, optionally read-only.
func (c *Container) BindMount(src, guestPath string, readonly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := filepath.Join(c.Rootfs, strings.TrimPrefix(guestPath, "/"))
	if err := os.MkdirAll(target, 0755); err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	if err := unix.Mount(src, target, "", unix.MS_BIND, ""); err != nil {
		return errdefs.Newf(errdefs.KindFilesystem, "bind mount %s: %v", src, err)
	}
	if readonly {
		if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			unix.Unmount(target, 0)
			return errdefs.Newf(errdefs.KindFilesystem, "remount readonly %s: %v", src, err)
		}
	}
	options := []string{"bind"}
	if readonly {
		options = append(options, "ro")
	}
	c.binds = append(c.binds, specs.Mount{Destination: guestPath, Type: "bind", Source: src, Options: options})
	return nil
}

// Mounts lists the container's active mounts as OCI entries.
func (c *Container) Mounts() []specs.Mount {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]specs.Mount, 0, len(c.overlayOrder)+len(c.binds))
	for _, guid := range c.overlayOrder {
		out = append(out, c.overlays[guid].Mount())
	}
	out = append(out, c.binds...)
	return out
}

// releaseOverlays unmounts every overlay in LIFO order.
func (c *Container) releaseOverlays() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.overlayOrder) - 1; i >= 0; i-- {
		guid := c.overlayOrder[i]
		if err := c.overlays[guid].release(); err != nil {
			return err
		}
		delete(c.overlays, guid)
	}
	c.overlayOrder = nil
	for i := len(c.binds) - 1; i >= 0; i-- {
		target := filepath.Join(c.Rootfs, strings.TrimPrefix(c.binds[i].Destination, "/"))
		unix.Unmount(target, 0)
	}
	c.binds = nil
	return nil
}

func (g *OverlayGuard) release() error {
	if err := unix.Unmount(g.Mountpoint, 0); err != nil {
		return errdefs.Newf(errdefs.KindFilesystem, "unmount overlay %s: %v", g.Guid, err)
	}
	if err := unix.Unmount(g.lowerDir, 0); err != nil {
		return errdefs.Newf(errdefs.KindFilesystem, "unmount squashfs %s: %v", g.Guid, err)
	}
	if g.loopDev != "" {
		detachLoop(g.loopDev)
	}
	return os.RemoveAll(filepath.Dir(g.lowerDir))
}

// attachLoop attaches a file to a free loop device and returns its path.
func attachLoop(path string) (string, error) {
	out, err := exec.Command("losetup", "--find", "--show", path).Output()
	if err != nil {
		return "", errdefs.Newf(errdefs.KindFilesystem, "losetup %s: %v", path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func detachLoop(dev string) {
	_ = exec.Command("losetup", "--detach", dev).Run()
}
