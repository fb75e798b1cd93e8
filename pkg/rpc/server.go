package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/cuemby/startd/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server serves the operator JSON-RPC surface over HTTP and a unix socket.
// The unix socket is for the local CLI and skips session auth; the HTTP
// listener requires a session for everything not explicitly opted out.
type Server struct {
	ctx    *Context
	logger zerolog.Logger

	httpServer *http.Server
	unixLn     net.Listener
	upgrader   websocket.Upgrader
}

// NewServer creates the operator RPC server.
func NewServer(ctx *Context) *Server {
	return &Server{
		ctx:    ctx,
		logger: log.WithComponent("rpc-server"),
	}
}

// rpcRequest is one JSON-RPC 2.0 call.
type rpcRequest struct {
	JsonRpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JsonRpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Start brings up the HTTP and unix-socket listeners.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/v1", s.handleHTTP)
	mux.HandleFunc("/ws/db", s.handleDbSubscribe)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/public/package-data/", http.StripPrefix("/public/package-data/",
		http.FileServer(http.Dir(s.ctx.Cfg.PackageDataDir))))

	s.httpServer = &http.Server{
		Addr:         s.ctx.Cfg.RpcBind,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long polls and websockets manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.ctx.Cfg.RpcBind)
	if err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	s.logger.Info().Str("addr", s.ctx.Cfg.RpcBind).Msg("Operator RPC listening")

	if err := os.MkdirAll(filepath.Dir(s.ctx.Cfg.RpcSocket), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindFilesystem, err)
	}
	os.Remove(s.ctx.Cfg.RpcSocket)
	unixLn, err := net.Listen("unix", s.ctx.Cfg.RpcSocket)
	if err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}
	os.Chmod(s.ctx.Cfg.RpcSocket, 0600)
	s.unixLn = unixLn
	go s.acceptUnix(unixLn)
	return nil
}

// Stop closes the listeners.
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.unixLn != nil {
		s.unixLn.Close()
	}
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{JsonRpc: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := s.authorize(r, req.Method); err != nil {
		writeResponse(w, errorResponse(req.Id, err))
		return
	}
	result, err := s.dispatch(r.Context(), &req, r)
	if err != nil {
		writeResponse(w, errorResponse(req.Id, err))
		return
	}
	writeResponse(w, rpcResponse{JsonRpc: "2.0", Id: req.Id, Result: result})
}

// acceptUnix serves the CLI socket. Local root is trusted: no session.
func (s *Server) acceptUnix(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveUnixConn(conn)
	}
}

func (s *Server) serveUnixConn(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		result, err := s.dispatch(context.Background(), &req, nil)
		var resp rpcResponse
		if err != nil {
			resp = errorResponse(req.Id, err)
		} else {
			resp = rpcResponse{JsonRpc: "2.0", Id: req.Id, Result: result}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// handleDbSubscribe streams database patches over a websocket, in commit
// order, scoped to the pointer in the "ptr" query parameter.
func (s *Server) handleDbSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, "db.subscribe"); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ptr := r.URL.Query().Get("ptr")
	if ptr == "" {
		ptr = "/public"
	}
	sub, err := s.ctx.DB.Subscribe(ptr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for patch := range sub.C {
		if err := conn.WriteJSON(patch); err != nil {
			return
		}
	}
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func errorResponse(id json.RawMessage, err error) rpcResponse {
	kind := errdefs.KindOf(err)
	return rpcResponse{
		JsonRpc: "2.0",
		Id:      id,
		Error: &rpcError{
			Code:    kind.Code(),
			Message: err.Error(),
			Data:    map[string]string{"kind": string(kind), "details": err.Error()},
		},
	}
}
