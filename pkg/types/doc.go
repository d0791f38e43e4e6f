/*
Package types defines the core data model shared across Meshsync packages.

All identifiers in the system are 32-byte opaque values: context IDs name
collaborative workspaces, delta IDs are content addresses over canonical
delta encodings, entity IDs name Merkle tree nodes, and hashes are blake3
digests. Public keys are Ed25519.

The central entities:

  - Context: a workspace with a member set, an application binding and one
    state tree. Membership is mirrored from the configuration oracle.
  - Delta: an atomic causal state change forming a DAG through parent IDs.
    A delta's ID is the blake3 hash of its canonical serialization, so
    identity and content can never diverge.
  - HLC: hybrid logical clock timestamps ordering deltas produced across
    peers whose wall clocks disagree.
  - Fingerprint: the compact context summary exchanged during sync
    handshakes and consumed by the protocol selector.

Canonical encodings use little-endian fixed-width integers and 32-bit
length prefixes for variable data; parent sets are sorted before hashing
so the content address is independent of production order.
*/
package types
