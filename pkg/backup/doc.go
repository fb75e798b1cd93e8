// Package backup snapshots package volumes into zstd-compressed tar
// archives with a digest-carrying manifest, and restores them after
// verifying the digest.
package backup
