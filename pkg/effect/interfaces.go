package effect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/net"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
	"github.com/google/uuid"
)

type exportInterfaceParams struct {
	types.ServiceInterface
	Hostnames []types.HostnameInfo `json:"hostnames,omitempty"`
}

// cmdExportServiceInterface upserts the caller's declared interface and
// registers its hostnames with the network controller.
func cmdExportServiceInterface(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p exportInterfaceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Id == "" {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "service interface id is required")
	}
	for _, info := range p.Hostnames {
		if err := call.sup.Net().ExportHostname(call.pkg, p.AddressInfo.HostId, info); err != nil {
			return nil, err
		}
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		entry.Installed.ServiceInterfaces[p.Id] = p.ServiceInterface
		return nil
	})
	return nil, err
}

type interfaceQueryParams struct {
	PackageId          *types.PackageId  `json:"package-id,omitempty"`
	ServiceInterfaceId types.InterfaceId `json:"service-interface-id,omitempty"`
}

func cmdListServiceInterfaces(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p interfaceQueryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	target := call.target(p.PackageId)
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[target]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", target)
	}
	out := make(map[types.InterfaceId]types.ServiceInterfaceWithHost, len(entry.Installed.ServiceInterfaces))
	for id, iface := range entry.Installed.ServiceInterfaces {
		out[id] = types.ServiceInterfaceWithHost{
			ServiceInterface: iface,
			HostInfo:         entry.Installed.InterfaceAddresses[iface.AddressInfo.HostId],
		}
	}
	return out, nil
}

// cmdGetServiceInterface returns one interface. The callback subscription
// of the wire schema is accepted but resolved immediately; consumers poll
// the db subscription stream for changes.
func cmdGetServiceInterface(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p interfaceQueryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	target := call.target(p.PackageId)
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[target]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", target)
	}
	iface, ok := entry.Installed.ServiceInterfaces[p.ServiceInterfaceId]
	if !ok {
		return nil, errdefs.NotFoundf("service interface %s not found on %s", p.ServiceInterfaceId, target)
	}
	return types.ServiceInterfaceWithHost{
		ServiceInterface: iface,
		HostInfo:         entry.Installed.InterfaceAddresses[iface.AddressInfo.HostId],
	}, nil
}

func cmdGetPrimaryUrl(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	result, err := cmdGetServiceInterface(ctx, call, params)
	if err != nil {
		return nil, err
	}
	iface := result.(types.ServiceInterfaceWithHost)
	if len(iface.HostInfo) == 0 {
		return nil, errdefs.NotFoundf("no addresses exported for interface %s", iface.Id)
	}
	info := iface.HostInfo[0]
	scheme := iface.AddressInfo.Scheme
	if scheme == "" {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s", scheme, info.Hostname)
	if info.Port != nil {
		url = fmt.Sprintf("%s:%d", url, *info.Port)
	}
	return url + iface.AddressInfo.Suffix, nil
}

type removeAddressParams struct {
	Id types.HostId `json:"id"`
}

// cmdRemoveAddress drops the exported addresses of one host by deleting
// the host's interface-addresses entry from the database. LAN names that
// were already published for the host are not unpublished.
func cmdRemoveAddress(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p removeAddressParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		delete(entry.Installed.InterfaceAddresses, p.Id)
		return nil
	})
	return nil, err
}

func cmdClearServiceInterfaces(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		entry.Installed.ServiceInterfaces = make(map[types.InterfaceId]types.ServiceInterface)
		return nil
	})
	return nil, err
}

type exportActionParams struct {
	Id       types.ActionId       `json:"id"`
	Metadata types.ActionMetadata `json:"metadata"`
}

func cmdExportAction(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p exportActionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Id == "" {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "action id is required")
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		entry.Installed.Actions[p.Id] = p.Metadata
		return nil
	})
	return nil, err
}

type removeActionParams struct {
	Id types.ActionId `json:"id"`
}

func cmdRemoveAction(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p removeActionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		delete(entry.Installed.Actions, p.Id)
		return nil
	})
	return nil, err
}

type reverseProxyParams struct {
	Bind string          `json:"bind"`
	Dst  string          `json:"dst"`
	Http net.HttpOptions `json:"http"`
}

func cmdReverseProxy(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p reverseProxyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return nil, call.sup.Net().Proxy.Set(p.Bind, p.Dst, p.Http)
}

type hostInfoParams struct {
	HostId types.HostId `json:"host-id"`
}

func cmdGetHostInfo(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p hostInfoParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return call.sup.Net().Hostnames(call.pkg, p.HostId), nil
}

// cmdGetSystemSmtp reports the system SMTP relay. None is configurable
// yet, so the result is null rather than an error: callers treat it as
// "no relay configured".
func cmdGetSystemSmtp(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	return nil, nil
}

// newGuid mints overlay identifiers.
func newGuid() string {
	return uuid.New().String()
}
