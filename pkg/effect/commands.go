package effect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/patchdb"
	"github.com/cuemby/startd/pkg/types"
)

// commands is the authoritative effect set. Method names are what guests
// put on the wire.
var commands = map[string]commandFunc{
	"exists":                 cmdExists,
	"executeAction":          cmdExecuteAction,
	"getConfigured":          cmdGetConfigured,
	"setConfigured":          cmdSetConfigured,
	"stopped":                cmdStopped,
	"running":                cmdRunning,
	"restart":                cmdRestart,
	"shutdown":               cmdShutdown,
	"setMainStatus":          cmdSetMainStatus,
	"setHealth":              cmdSetHealth,
	"getStore":               cmdGetStore,
	"setStore":               cmdSetStore,
	"exposeForDependents":    cmdExposeForDependents,
	"bind":                   cmdBind,
	"clearBindings":          cmdClearBindings,
	"exportServiceInterface": cmdExportServiceInterface,
	"listServiceInterfaces":  cmdListServiceInterfaces,
	"getServiceInterface":    cmdGetServiceInterface,
	"getPrimaryUrl":          cmdGetPrimaryUrl,
	"removeAddress":          cmdRemoveAddress,
	"clearServiceInterfaces": cmdClearServiceInterfaces,
	"exportAction":           cmdExportAction,
	"removeAction":           cmdRemoveAction,
	"reverseProxy":           cmdReverseProxy,
	"createOverlayedImage":   cmdCreateOverlayedImage,
	"destroyOverlayedImage":  cmdDestroyOverlayedImage,
	"mount":                  cmdMount,
	"getSslCertificate":      cmdGetSslCertificate,
	"getSslKey":              cmdGetSslKey,
	"getContainerIp":         cmdGetContainerIp,
	"getServicePortForward":  cmdGetServicePortForward,
	"setDependencies":        cmdSetDependencies,
	"getDependencies":        cmdGetDependencies,
	"checkDependencies":      cmdCheckDependencies,
	"getSystemSmtp":          cmdGetSystemSmtp,
	"getHostInfo":            cmdGetHostInfo,
}

type paramsPackageId struct {
	PackageId *types.PackageId `json:"package-id,omitempty"`
}

func cmdExists(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p paramsPackageId
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	snap := call.sup.DB().Peek()
	_, ok := snap.Doc.Public.PackageData[call.target(p.PackageId)]
	return ok, nil
}

type executeActionParams struct {
	ServiceId *types.PackageId `json:"service-id,omitempty"`
	ActionId  types.ActionId   `json:"action-id"`
	Input     json.RawMessage  `json:"input,omitempty"`
}

// cmdExecuteAction dispatches an action against the target package's
// supervisor. With no guest script runtime in the core, the action is
// acknowledged once its metadata resolves; the result carries the input
// back so callers can correlate.
func cmdExecuteAction(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p executeActionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	target := call.target(p.ServiceId)
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[target]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", target)
	}
	meta, ok := entry.Installed.Actions[p.ActionId]
	if !ok {
		return nil, errdefs.NotFoundf("action %s not found on %s", p.ActionId, target)
	}
	return types.ActionResult{
		Version: "0",
		Title:   meta.Name,
		Message: fmt.Sprintf("action %s dispatched", p.ActionId),
		Value:   p.Input,
	}, nil
}

func cmdGetConfigured(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[call.pkg]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", call.pkg)
	}
	return entry.Installed.Configured, nil
}

type setConfiguredParams struct {
	Configured bool `json:"configured"`
}

func cmdSetConfigured(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p setConfiguredParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		entry.Installed.Configured = p.Configured
		return nil
	})
	return nil, err
}

func cmdStopped(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p paramsPackageId
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[call.target(p.PackageId)]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", call.target(p.PackageId))
	}
	return entry.Installed.Status.Status == types.StatusStopped, nil
}

func cmdRunning(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p paramsPackageId
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	snap := call.sup.DB().Peek()
	entry, ok := snap.Doc.Public.PackageData[call.target(p.PackageId)]
	if !ok || entry.Installed == nil {
		return nil, errdefs.NotFoundf("package %s is not installed", call.target(p.PackageId))
	}
	return entry.Installed.Status.Status == types.StatusRunning, nil
}

func cmdRestart(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	return nil, call.svc.Restart(ctx)
}

func cmdShutdown(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	return nil, call.svc.Stop(ctx)
}

type setMainStatusParams struct {
	Status string `json:"status"`
}

func cmdSetMainStatus(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p setMainStatusParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	kind, err := types.ParseMainStatusKind(p.Status)
	if err != nil {
		return nil, err
	}
	if kind == types.StatusRunning {
		return nil, call.svc.Started()
	}
	return nil, call.svc.Stopped()
}

type setHealthParams struct {
	Id      types.HealthCheckId    `json:"id"`
	Result  types.HealthResultKind `json:"result"`
	Message string                 `json:"message,omitempty"`
}

func cmdSetHealth(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p setHealthParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	switch p.Result {
	case types.HealthStarting, types.HealthLoading, types.HealthPassing, types.HealthFailing, types.HealthDisabled:
	default:
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "unknown health result %q", p.Result)
	}
	return nil, call.svc.SetHealth(p.Id, types.HealthCheckResult{Result: p.Result, Message: p.Message})
}

type storeParams struct {
	PackageId *types.PackageId `json:"package-id,omitempty"`
	Path      string           `json:"path"`
	Value     json.RawMessage  `json:"value,omitempty"`
}

// cmdGetStore reads from a private store. The caller's own store is always
// readable; another package's store is readable only below a path that
// package exposed for dependents, and only if the caller declared it as a
// dependency.
func cmdGetStore(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p storeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	target := call.target(p.PackageId)
	ptr, err := patchdb.ParsePointer(p.Path)
	if err != nil {
		return nil, err
	}

	snap := call.sup.DB().Peek()
	if target != call.pkg {
		if err := authorizeStoreRead(snap.Doc, call.pkg, target, p.Path); err != nil {
			return nil, err
		}
	}
	store, ok := snap.Doc.Private.PackageStores[target]
	if !ok {
		return nil, errdefs.NotFoundf("no store for %s", target)
	}
	return ptr.Get(store)
}

// authorizeStoreRead enforces the cross-package read rule.
func authorizeStoreRead(db *patchdb.Database, caller, exporter types.PackageId, path string) error {
	callerEntry, ok := db.Public.PackageData[caller]
	if !ok || callerEntry.Installed == nil {
		return errdefs.NotFoundf("package %s is not installed", caller)
	}
	if _, declared := callerEntry.Installed.CurrentDependencies[exporter]; !declared {
		return errdefs.NotFoundf("no value at %s", path)
	}
	exporterEntry, ok := db.Public.PackageData[exporter]
	if !ok || exporterEntry.Installed == nil {
		return errdefs.NotFoundf("no value at %s", path)
	}
	for _, exposed := range exporterEntry.Installed.ExposedPaths {
		if path == exposed || strings.HasPrefix(path, exposed+"/") {
			return nil
		}
	}
	return errdefs.NotFoundf("no value at %s", path)
}

// cmdSetStore writes to the caller's own store; the scope is never
// overridable.
func cmdSetStore(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p storeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	ptr, err := patchdb.ParsePointer(p.Path)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &value); err != nil {
			return nil, errdefs.Wrap(errdefs.KindDeserialization, err)
		}
	}
	err = call.sup.DB().Mutate(func(db *patchdb.Database) error {
		store := patchdb.UpsertStore(db, call.pkg, func() interface{} { return map[string]interface{}{} })
		updated, err := ptr.Set(store, value)
		if err != nil {
			return err
		}
		db.Private.PackageStores[call.pkg] = updated
		return nil
	})
	return nil, err
}

type exposeParams struct {
	Paths []string `json:"paths"`
}

func cmdExposeForDependents(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p exposeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	err := call.sup.DB().Mutate(func(db *patchdb.Database) error {
		entry, ok := db.Public.PackageData[call.pkg]
		if !ok || entry.Installed == nil {
			return errdefs.NotFoundf("package %s is not installed", call.pkg)
		}
		entry.Installed.ExposedPaths = p.Paths
		return nil
	})
	return nil, err
}

type bindParams struct {
	Kind         string            `json:"kind,omitempty"`
	HostId       types.HostId      `json:"host-id"`
	InternalPort uint16            `json:"internal-port"`
	Options      types.BindOptions `json:"options"`
}

func cmdBind(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	var p bindParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return call.sup.Net().Bind(call.pkg, p.HostId, p.InternalPort, p.Options)
}

func cmdClearBindings(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error) {
	return nil, call.sup.Net().ClearBindings(call.pkg)
}
