/*
Package rpc assembles the runtime context and serves the operator surface.

The Context owns the process singletons: database, container manager,
network controller, supervisor, effect bus, the onion-aware HTTP client,
and the background watchers (NTP sync, resource gauges), each held by a
guard that joins on shutdown. Its lifecycle is init, boot reconciliation,
serve, shutdown; after shutdown every handler fails fast.

The operator protocol is JSON-RPC 2.0 over HTTP and over a local unix
socket. HTTP calls authenticate with a session token from auth.login
(Cookie or bearer header) except for the handful of opted-out methods;
the unix socket trusts local root and is what the CLI uses. Database
patches stream over a websocket at /ws/db in commit order.
*/
package rpc
