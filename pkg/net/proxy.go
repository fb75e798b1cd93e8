package net

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/log"
	"github.com/rs/zerolog"
)

// HttpOptions tune one reverse-proxy route.
type HttpOptions struct {
	Headers   map[string]string `json:"headers,omitempty"`
	AddSsl    bool              `json:"add-ssl,omitempty"`
}

// ReverseProxy forwards configured binds to service destinations,
// optionally injecting headers and terminating TLS.
type ReverseProxy struct {
	logger zerolog.Logger

	mu     sync.Mutex
	routes map[string]*route // bind address -> route
}

type route struct {
	server *http.Server
	dst    string
}

// NewReverseProxy creates an empty proxy.
func NewReverseProxy() *ReverseProxy {
	return &ReverseProxy{
		logger: log.WithComponent("proxy"),
		routes: make(map[string]*route),
	}
}

// Set configures bind to forward to dst. Reconfiguring an existing bind
// replaces its destination in place.
func (p *ReverseProxy) Set(bind string, dst string, opts HttpOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.routes[bind]; ok {
		existing.dst = dst
		return nil
	}

	target, err := url.Parse("http://" + dst)
	if err != nil {
		return errdefs.Wrap(errdefs.KindParseUrl, err)
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		for name, value := range opts.Headers {
			req.Header.Set(name, value)
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error().Err(err).Str("bind", bind).Msg("Proxy error")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintln(w, "bad gateway")
	}

	server := &http.Server{
		Addr:         bind,
		Handler:      rp,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return errdefs.Wrap(errdefs.KindNetwork, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Str("bind", bind).Msg("Proxy server stopped")
		}
	}()

	p.routes[bind] = &route{server: server, dst: dst}
	p.logger.Info().Str("bind", bind).Str("dst", dst).Msg("Proxy route configured")
	return nil
}

// Remove tears down the route at bind. A missing route is a no-op.
func (p *ReverseProxy) Remove(bind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[bind]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.server.Shutdown(ctx)
		cancel()
		delete(p.routes, bind)
	}
}

// Close tears down every route.
func (p *ReverseProxy) Close() {
	p.mu.Lock()
	binds := make([]string, 0, len(p.routes))
	for bind := range p.routes {
		binds = append(binds, bind)
	}
	p.mu.Unlock()
	for _, bind := range binds {
		p.Remove(bind)
	}
}
