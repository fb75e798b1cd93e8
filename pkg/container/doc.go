/*
Package container manages the per-service Linux containers.

A container is a root filesystem under the manager's data directory plus
the mounts layered onto it: squashfs images attached through loop devices
as the lower layer of an overlay, and bind mounts of other packages' volumes.
Processes enter the container with chroot and setsid as the resolved
uid/gid. No user namespace is created and no uid offset is applied, so the
process runs on the host with that same uid; the overlays are not
id-mapped either. UidOffset (host uid 100000) is used only as the owner of
the container's effect socket.

Overlay and bind mounts for one container serialize behind its mutex and
release in LIFO order on teardown. A mount failure unwinds whatever it had
already mounted; nothing is left half attached.
*/
package container
