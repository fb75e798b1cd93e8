package net

import (
	"sync"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// portRangeStart and portRangeEnd bound the stable external port range.
	portRangeStart uint16 = 20000
	portRangeEnd   uint16 = 30000
)

// bindKey identifies one allocation.
type bindKey struct {
	pkg      types.PackageId
	host     types.HostId
	internal uint16
}

// PortAllocator hands out stable external ports for (package, host,
// internal port) triples. Re-allocating an existing triple returns the
// prior port.
type PortAllocator struct {
	mu     sync.Mutex
	byKey  map[bindKey]uint16
	inUse  map[uint16]bindKey
	next   uint16
	logger zerolog.Logger
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		byKey:  make(map[bindKey]uint16),
		inUse:  make(map[uint16]bindKey),
		next:   portRangeStart,
		logger: log.WithComponent("ports"),
	}
}

// Allocate returns the external port for the triple, reusing a prior
// allocation when one exists. A preferred port is honored if free.
func (a *PortAllocator) Allocate(pkg types.PackageId, host types.HostId, internal uint16, preferred uint16) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bindKey{pkg: pkg, host: host, internal: internal}
	if port, ok := a.byKey[key]; ok {
		return port, nil
	}

	if preferred != 0 {
		if _, taken := a.inUse[preferred]; !taken {
			a.byKey[key] = preferred
			a.inUse[preferred] = key
			return preferred, nil
		}
	}

	for i := 0; i < int(portRangeEnd-portRangeStart); i++ {
		candidate := a.next
		a.next++
		if a.next >= portRangeEnd {
			a.next = portRangeStart
		}
		if _, taken := a.inUse[candidate]; taken {
			continue
		}
		a.byKey[key] = candidate
		a.inUse[candidate] = key
		return candidate, nil
	}
	return 0, errdefs.New(errdefs.KindNetwork, "external port range exhausted")
}

// Lookup returns the allocated port for a triple.
func (a *PortAllocator) Lookup(pkg types.PackageId, host types.HostId, internal uint16) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byKey[bindKey{pkg: pkg, host: host, internal: internal}]
	if !ok {
		return 0, errdefs.NotFoundf("no binding for %s/%s:%d", pkg, host, internal)
	}
	return port, nil
}

// Release frees one allocation. Releasing an absent allocation logs a
// warning and is otherwise a no-op.
func (a *PortAllocator) Release(pkg types.PackageId, host types.HostId, internal uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := bindKey{pkg: pkg, host: host, internal: internal}
	port, ok := a.byKey[key]
	if !ok {
		a.logger.Warn().Str("package_id", pkg.String()).Str("host_id", host.String()).Uint16("port", internal).Msg("Release of unallocated binding")
		return
	}
	delete(a.byKey, key)
	delete(a.inUse, port)
}

// ReleaseAll frees every allocation held by a package.
func (a *PortAllocator) ReleaseAll(pkg types.PackageId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, port := range a.byKey {
		if key.pkg == pkg {
			delete(a.byKey, key)
			delete(a.inUse, port)
		}
	}
}
