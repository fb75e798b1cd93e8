package net

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTorSocks is where the Tor SOCKS listener is expected.
const DefaultTorSocks = "127.0.0.1:9050"

// NewOnionAwareClient builds an HTTP client that routes *.onion hosts
// through the Tor SOCKS proxy and everything else directly. Dialing through
// SOCKS5 hands name resolution to Tor, which is what makes onion addresses
// resolvable at all.
func NewOnionAwareClient(torSocks string) *http.Client {
	if torSocks == "" {
		torSocks = DefaultTorSocks
	}
	direct := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if strings.HasSuffix(host, ".onion") {
				socks, err := proxy.SOCKS5("tcp", torSocks, nil, direct)
				if err != nil {
					return nil, err
				}
				if cd, ok := socks.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return socks.Dial(network, addr)
			}
			return direct.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}
