package effect

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/types"
)

type createOverlayParams struct {
	ImageId types.ImageId `json:"image-id"`
}

type createOverlayResult struct {
	Mountpoint string `json:"mountpoint"`
	Guid       string `json:"guid"`
}

// cmdCreateOverlayedImage loop-mounts one of the caller's squashfs images
// under an overlay at media/startos/overlays/<guid> in its rootfs. The
// overlay is not id-mapped.
func cmdCreateOverlayedImage(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p createOverlayParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[call.pkg]
	if !ok {
		return nil, errdefs.NotFoundf("package %s is not installed", call.pkg)
	}
	squashfs := call.bus.paths.ImagePath(call.pkg, entry.Manifest.Version, call.bus.arch, p.ImageId)

	c := call.sup.Containers().Get(call.pkg)
	if c == nil {
		return nil, errdefs.NotFoundf("no container for %s", call.pkg)
	}
	guard, err := c.Overlay(squashfs, newGuid())
	if err != nil {
		return nil, err
	}
	return createOverlayResult{
		Mountpoint: "/" + guard.GuestPath,
		Guid:       guard.Guid,
	}, nil
}

type destroyOverlayParams struct {
	Guid string `json:"guid"`
}

func cmdDestroyOverlayedImage(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p destroyOverlayParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	c := call.sup.Containers().Get(call.pkg)
	if c == nil {
		return nil, errdefs.NotFoundf("no container for %s", call.pkg)
	}
	return nil, c.DestroyOverlay(p.Guid)
}

type mountParams struct {
	Location string      `json:"location"`
	Target   mountTarget `json:"target"`
}

type mountTarget struct {
	PackageId types.PackageId `json:"package-id"`
	VolumeId  types.VolumeId  `json:"volume-id"`
	Subpath   string          `json:"subpath,omitempty"`
	Readonly  bool            `json:"readonly"`
}

// cmdMount bind-mounts another package's volume subpath into the caller.
func cmdMount(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p mountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Location == "" {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "mount location is required")
	}

	snap := call.sup.DB().Peek()
	if _, ok := snap.Doc.Public.PackageData[p.Target.PackageId]; !ok {
		return nil, errdefs.NotFoundf("package %s is not installed", p.Target.PackageId)
	}

	src := call.bus.paths.VolumeDir(p.Target.PackageId, p.Target.VolumeId)
	if p.Target.Subpath != "" {
		src = filepath.Join(src, filepath.Clean("/"+p.Target.Subpath))
	}

	c := call.sup.Containers().Get(call.pkg)
	if c == nil {
		return nil, errdefs.NotFoundf("no container for %s", call.pkg)
	}
	if err := c.BindMount(src, p.Location, p.Target.Readonly); err != nil {
		return nil, err
	}
	return p.Location, nil
}

type sslParams struct {
	PackageId *types.PackageId    `json:"package-id,omitempty"`
	HostId    types.HostId        `json:"host-id"`
	Algorithm types.CertAlgorithm `json:"algorithm,omitempty"`
}

func cmdGetSslCertificate(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p sslParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	chain, err := call.sup.Net().IssueTLS(call.target(p.PackageId), p.HostId, p.Algorithm)
	if err != nil {
		return nil, err
	}
	return []string{chain.Leaf, chain.Intermediate, chain.Root}, nil
}

func cmdGetSslKey(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p sslParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	chain, err := call.sup.Net().IssueTLS(call.target(p.PackageId), p.HostId, p.Algorithm)
	if err != nil {
		return nil, err
	}
	return chain.LeafKey, nil
}

func cmdGetContainerIp(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	ip, err := call.sup.Net().GetContainerIP(call.pkg)
	if err != nil {
		return nil, err
	}
	return ip.String(), nil
}

type portForwardParams struct {
	PackageId    *types.PackageId `json:"package-id,omitempty"`
	HostId       types.HostId     `json:"host-id"`
	InternalPort uint16           `json:"internal-port"`
}

func cmdGetServicePortForward(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p portForwardParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return call.sup.Net().GetExternalPort(call.target(p.PackageId), p.HostId, p.InternalPort)
}

type setDependenciesParams struct {
	Dependencies []types.DependencyRequirement `json:"dependencies"`
}

func cmdSetDependencies(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p setDependenciesParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, call.svc.SetDependencies(p.Dependencies)
}

func cmdGetDependencies(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	return call.svc.GetDependencies()
}

type checkDependenciesParams struct {
	PackageIds []types.PackageId `json:"package-ids,omitempty"`
}

func cmdCheckDependencies(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p checkDependenciesParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return call.svc.CheckDependencies(p.PackageIds)
}
