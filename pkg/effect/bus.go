package effect

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/startd/pkg/container"
	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/metrics"
	"github.com/cuemby/startd/pkg/supervisor"
	"github.com/cuemby/startd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
)

// Bus serves the guest-facing JSON-RPC surface over one unix socket per
// container. The socket is owned by the host and readable only by the
// container's mapped uid.
type Bus struct {
	sup    *supervisor.Supervisor
	paths  supervisor.Paths
	arch   string
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[types.PackageId]net.Listener
}

// NewBus creates the effect bus.
func NewBus(sup *supervisor.Supervisor, paths supervisor.Paths, arch string) *Bus {
	return &Bus{
		sup:       sup,
		paths:     paths,
		arch:      arch,
		logger:    log.WithComponent("effect"),
		listeners: make(map[types.PackageId]net.Listener),
	}
}

// Serve exposes the bus inside a container at its well-known socket path.
func (b *Bus) Serve(ctx context.Context, c *container.Container) error {
	socket := c.SocketPath()
	if err := os.MkdirAll(filepath.Dir(socket), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	os.Remove(socket)

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}
	// only the container's root may talk to its bus
	os.Chmod(socket, 0600)
	os.Chown(socket, container.UidOffset, container.UidOffset)

	b.mu.Lock()
	if old, ok := b.listeners[c.Package]; ok {
		old.Close()
	}
	b.listeners[c.Package] = ln
	b.mu.Unlock()

	go b.accept(ctx, c.Package, ln)
	b.logger.Debug().Str("package_id", c.Package.String()).Msg("Effect bus listening")
	return nil
}

// Stop closes a package's bus socket.
func (b *Bus) Stop(pkg types.PackageId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ln, ok := b.listeners[pkg]; ok {
		ln.Close()
		delete(b.listeners, pkg)
	}
}

// Close tears down every listener.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pkg, ln := range b.listeners {
		ln.Close()
		delete(b.listeners, pkg)
	}
}

func (b *Bus) accept(ctx context.Context, pkg types.PackageId, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		stream := jsonrpc2.NewPlainObjectStream(conn)
		jsonrpc2.NewConn(ctx, stream, &handler{bus: b, pkg: pkg})
	}
}

// handler dispatches one guest connection's requests. The calling package
// is fixed at accept time; guests cannot impersonate each other.
type handler struct {
	bus *Bus
	pkg types.PackageId
}

func (h *handler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result, err := h.dispatch(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(errdefs.KindOf(err))
	}
	metrics.EffectCallsTotal.WithLabelValues(req.Method, outcome).Inc()
	if req.Notif {
		return
	}
	if err != nil {
		kind := errdefs.KindOf(err)
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    int64(kind.Code()),
			Message: err.Error(),
			Data:    rawMessage(map[string]string{"kind": string(kind)}),
		})
		return
	}
	conn.Reply(ctx, req.ID, result)
}

func rawMessage(v interface{}) *json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	raw := json.RawMessage(data)
	return &raw
}

func (h *handler) dispatch(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	// every command resolves the seed; a destroyed service rejects all calls
	seed, err := h.bus.sup.Seed(h.pkg)
	if err != nil {
		return nil, err
	}
	svc, err := seed.Service()
	if err != nil {
		return nil, err
	}

	call := &callCtx{bus: h.bus, sup: h.bus.sup, pkg: h.pkg, svc: svc}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	fn, ok := commands[req.Method]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "unknown effect %q", req.Method)
	}
	return fn(ctx, call, params)
}

// callCtx is the resolved context one command runs with.
type callCtx struct {
	bus *Bus
	sup *supervisor.Supervisor
	pkg types.PackageId
	svc *supervisor.Service
}

// target resolves an optional package-id parameter, defaulting to the
// caller itself.
func (c *callCtx) target(id *types.PackageId) types.PackageId {
	if id == nil || *id == "" {
		return c.pkg
	}
	return *id
}

type commandFunc func(ctx context.Context, call *callCtx, params json.RawMessage) (interface{}, error)

func decode(params json.RawMessage, into interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return errdefs.Wrap(errdefs.KindDeserialization, err)
	}
	return nil
}
