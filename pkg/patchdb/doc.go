/*
Package patchdb implements the typed, subscribe-able JSON-document store
that serves as startd's single source of truth.

The whole server state is one Database document persisted to bbolt. Reads
take copy-on-write snapshots via Peek and are safe concurrent with writers.
Writes go through Mutate, which hands the caller a private copy of the
document and commits it atomically: persist, swap the head pointer, bump
the revision, and fan an RFC 6902 patch out to subscribers in commit order.
A subscriber that cannot keep up is disconnected; it never observes a gap.

The private subtree (package stores, password hash, keys) is part of the
same document but is never surfaced through any read path reachable from
the effect bus; the effect handlers scope their reads to what a caller may
see.
*/
package patchdb
