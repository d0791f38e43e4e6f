/*
Package storage provides persistent key-value state for Meshsync using BoltDB.

The store is organized into logical columns (Meta, Config, Identity, State,
Delta, Blobs, Application, Alias, Generic), each backed by one BoltDB
bucket. Keys are fixed-width byte tuples built from 32-byte identifiers so
that all records belonging to one context share a byte prefix and can be
scanned with a cursor.

The Store interface keeps the engine swappable; BoltStore is the production
implementation. Writes are serialized by BoltDB's single-writer transaction
model, which matches the one-writer-per-context ownership discipline of the
context manager. Apply commits a Transaction (an ordered batch of puts and
deletes) atomically; the Merkle view uses it for each recomputed
leaf-to-root path, and snapshot import and context erasure use it for their
bulk writes. Delta application does not write a delta and its state
mutations in one step: each mutation's path and the delta record are
separate commits.
*/
package storage
