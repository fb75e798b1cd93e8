package net

import (
	"net"
	"sync"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
	"github.com/rs/zerolog"
)

// Controller owns the host-side network fabric: port bindings, hostname
// export, TLS issuance and the reverse proxy. State changes write through
// to the database so guests and operators observe them.
type Controller struct {
	db     *patchdb.PatchDB
	Ports  *PortAllocator
	CA     *CertAuthority
	Proxy  *ReverseProxy
	Lan    *LanResponder
	logger zerolog.Logger

	// containerIP resolves a package to its container address
	containerIP func(types.PackageId) (net.IP, error)

	mu        sync.Mutex
	hostnames map[types.PackageId]map[types.HostId][]types.HostnameInfo
}

// NewController assembles the network fabric.
func NewController(db *patchdb.PatchDB, ca *CertAuthority, containerIP func(types.PackageId) (net.IP, error)) *Controller {
	return &Controller{
		db:          db,
		Ports:       NewPortAllocator(),
		CA:          ca,
		Proxy:       NewReverseProxy(),
		Lan:         NewLanResponder(),
		logger:      log.WithComponent("net"),
		containerIP: containerIP,
		hostnames:   make(map[types.PackageId]map[types.HostId][]types.HostnameInfo),
	}
}

// Bind allocates (or reuses) a stable external port for the triple and
// records the binding on the package's installed entry.
func (c *Controller) Bind(pkg types.PackageId, host types.HostId, internal uint16, opts types.BindOptions) (*types.BindInfo, error) {
	external, err := c.Ports.Allocate(pkg, host, internal, opts.PreferredExternalPort)
	if err != nil {
		return nil, err
	}

	scheme := opts.Scheme
	if scheme == "" {
		if opts.AddSsl {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	info := &types.BindInfo{
		HostId:       host,
		InternalPort: internal,
		ExternalPort: external,
		Scheme:       scheme,
		AddSsl:       opts.AddSsl,
		Secure:       opts.Secure,
	}

	err = c.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", pkg)
		}
		for i, b := range entry.Installed.Bindings {
			if b.HostId == host && b.InternalPort == internal {
				entry.Installed.Bindings[i] = *info
				return nil
			}
		}
		entry.Installed.Bindings = append(entry.Installed.Bindings, *info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ClearBindings releases every binding a package holds.
func (c *Controller) ClearBindings(pkg types.PackageId) error {
	c.Ports.ReleaseAll(pkg)
	return c.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[pkg]
		if !ok || entry.Installed == nil {
			return nil
		}
		entry.Installed.Bindings = nil
		return nil
	})
}

// ExportHostname registers an onion or LAN hostname for a host and writes
// it through to the package's interface addresses.
func (c *Controller) ExportHostname(pkg types.PackageId, host types.HostId, info types.HostnameInfo) error {
	c.mu.Lock()
	byHost, ok := c.hostnames[pkg]
	if !ok {
		byHost = make(map[types.HostId][]types.HostnameInfo)
		c.hostnames[pkg] = byHost
	}
	replaced := false
	for i, existing := range byHost[host] {
		if existing.Hostname == info.Hostname {
			byHost[host][i] = info
			replaced = true
			break
		}
	}
	if !replaced {
		byHost[host] = append(byHost[host], info)
	}
	c.mu.Unlock()

	if info.Kind == types.HostnameLocal {
		if ip, err := c.containerIP(pkg); err == nil {
			c.Lan.Publish(info.Hostname, ip)
		}
	}
	c.CA.InvalidateLeaf(host)

	return c.db.Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", pkg)
		}
		addrs := entry.Installed.InterfaceAddresses[host]
		for i, existing := range addrs {
			if existing.Hostname == info.Hostname {
				addrs[i] = info
				entry.Installed.InterfaceAddresses[host] = addrs
				return nil
			}
		}
		entry.Installed.InterfaceAddresses[host] = append(addrs, info)
		return nil
	})
}

// Hostnames lists the names exported for a host.
func (c *Controller) Hostnames(pkg types.PackageId, host types.HostId) []types.HostnameInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.HostnameInfo(nil), c.hostnames[pkg][host]...)
}

// IssueTLS returns the certificate chain for a host, covering every
// exported hostname.
func (c *Controller) IssueTLS(pkg types.PackageId, host types.HostId, algorithm types.CertAlgorithm) (*CertChain, error) {
	names := make([]string, 0, 4)
	for _, info := range c.Hostnames(pkg, host) {
		names = append(names, info.Hostname)
	}
	if len(names) == 0 {
		return nil, errdefs.NotFoundf("no hostnames exported for %s/%s", pkg, host)
	}
	return c.CA.Issue(host, names, algorithm)
}

// GetExternalPort is a read-only binding lookup.
func (c *Controller) GetExternalPort(pkg types.PackageId, host types.HostId, internal uint16) (uint16, error) {
	return c.Ports.Lookup(pkg, host, internal)
}

// GetContainerIP resolves a package to its container address.
func (c *Controller) GetContainerIP(pkg types.PackageId) (net.IP, error) {
	return c.containerIP(pkg)
}

// TeardownPackage releases every network resource a package holds. The
// database half (bindings, interface addresses) is cleared by the caller
// inside the same mutate that removes the package entry.
func (c *Controller) TeardownPackage(pkg types.PackageId) {
	c.Ports.ReleaseAll(pkg)
	c.mu.Lock()
	byHost := c.hostnames[pkg]
	delete(c.hostnames, pkg)
	c.mu.Unlock()
	for host, infos := range byHost {
		for _, info := range infos {
			if info.Kind == types.HostnameLocal {
				c.Lan.Unpublish(info.Hostname)
			}
		}
		c.CA.InvalidateLeaf(host)
	}
}

// Close stops the proxy and the LAN responder.
func (c *Controller) Close() {
	c.Proxy.Close()
	c.Lan.Stop()
}
