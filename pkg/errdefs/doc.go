/*
Package errdefs defines the tagged error kinds used across startd.

Handlers return errors tagged with a Kind; the RPC layer maps the kind to a
stable JSON-RPC error code and the CLI matches on it for exit diagnostics.
Wrapping preserves the original kind so a tag attached near the failure
site survives to the surface.
*/
package errdefs
