/*
Package net owns the host-side network fabric for services.

The controller allocates stable external ports for (package, host,
internal port) triples, exports onion and LAN hostnames, issues per-host
TLS chains from an embedded CA, and drives the internal reverse proxy.
Every durable change writes through to the database in the same call.

Port allocation is guarded by a controller-internal lock; releasing a
binding that was never allocated logs a warning and is never fatal. LAN
hostnames are answered by a small DNS responder; onion reachability is the
Tor daemon's job, the controller only records the names. Outbound HTTP to
*.onion hosts goes through a SOCKS5 dialer pointed at Tor so that Tor
performs name resolution.
*/
package net
