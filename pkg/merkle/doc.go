/*
Package merkle implements the signed, content-addressed archive format that
backs s9pk packages.

An archive is a tree of files and directories. Every entry carries a
BLAKE3 hash and a size. A file's hash is the BLAKE3 of its bytes. A
directory's hash (its sighash) is the BLAKE3 of its entry count followed,
per entry, by the uvarint-prefixed name, the entry's hash and its size as a
big-endian u64; a directory's size is the length of its serialized table of
contents (TOC). The serialized TOC bytes themselves (entry types,
positions) are not hashed. Each directory hash covers its children's
hashes, so the root sighash commits to the entire tree. The root is signed
with Ed25519ph over SHA-512(sighash || max_size) under a domain-separation
context string.

# Wire layout

Signed root header:

	pubkey    32 bytes
	signature 64 bytes
	sighash   32 bytes   directory hash of the root (see above)
	max_size   8 bytes   big-endian u64, root TOC size when signed
	position   8 bytes   big-endian u64, offset of the root TOC
	toc size   8 bytes   big-endian u64, size of the root TOC
	<root TOC>
	<write queue: file bodies and child TOCs>

Entry header:

	hash 32 bytes
	size  8 bytes  big-endian u64
	type  1 byte   0=Missing 1=File 2=Directory
	File:      position u64 BE, length uvarint
	Directory: position u64 BE, toc size u64 BE
	Missing:   nothing

A TOC is: uvarint entry count, then per entry a uvarint-prefixed UTF-8 name
followed by the entry header. Entry order is part of the signed digest;
the default order is lexicographic and callers may supply their own.

Hashes do not depend on positions, so a subtree hashes the same
regardless of where it lands in a concrete file. Entries pruned with
Filter become Missing stubs that retain their (hash, size) pair, which keeps
the root signature verifiable over partially materialized archives.
*/
package merkle
