/*
Package ioutil carries the small I/O building blocks shared across startd:
idle-timeout connections for service-facing streams, a background BLAKE3
hashing writer, always-deleted scratch directories, and a progress-reporting
directory copy used by data-volume migration.
*/
package ioutil
