/*
Package effect implements the guest-to-host command surface.

Each container gets a JSON-RPC 2.0 endpoint on a unix socket inside its
rootfs, owned by the host and readable only by the container's uid. The
calling package is fixed when the connection is accepted, so a guest can
only ever act as itself; commands that accept a package-id parameter use
it to read other packages, never to write them.

Every command resolves the calling package's actor seed first; once the
supervisor tears the actor down, all further calls fail with
InvalidRequest. Writes land in the database through single mutates, which
is what serializes commands from one guest and gives them happens-before
ordering; commands from different guests are concurrent.
*/
package effect
