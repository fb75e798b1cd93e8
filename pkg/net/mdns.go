package net

import (
	"net"
	"strings"
	"sync"

	"github.com/cuemby/startd/pkg/log"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// LanResponder answers A queries for exported .local hostnames so LAN
// clients can reach services without a resolver change.
type LanResponder struct {
	logger zerolog.Logger
	server *dns.Server

	mu    sync.RWMutex
	names map[string]net.IP // fqdn (with trailing dot) -> address
}

// NewLanResponder creates a responder; Start brings up the listener.
func NewLanResponder() *LanResponder {
	return &LanResponder{
		logger: log.WithComponent("mdns"),
		names:  make(map[string]net.IP),
	}
}

// Publish maps a .local hostname to an address.
func (r *LanResponder) Publish(hostname string, addr net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[dns.Fqdn(strings.ToLower(hostname))] = addr
	r.logger.Debug().Str("hostname", hostname).Msg("LAN hostname published")
}

// Unpublish removes a hostname. Removing an unknown name is a no-op.
func (r *LanResponder) Unpublish(hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, dns.Fqdn(strings.ToLower(hostname)))
}

// Start listens for queries on addr, e.g. "0.0.0.0:5353".
func (r *LanResponder) Start(addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handle)
	r.server = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	go func() {
		if err := r.server.ListenAndServe(); err != nil {
			r.logger.Error().Err(err).Msg("LAN responder stopped")
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (r *LanResponder) Stop() {
	if r.server != nil {
		r.server.Shutdown()
	}
}

func (r *LanResponder) handle(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	r.mu.RLock()
	for _, q := range req.Question {
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		if addr, ok := r.names[strings.ToLower(q.Name)]; ok {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 120},
				A:   addr.To4(),
			})
		}
	}
	r.mu.RUnlock()

	if len(resp.Answer) == 0 {
		resp.SetRcode(req, dns.RcodeNameError)
	}
	w.WriteMsg(resp)
}
