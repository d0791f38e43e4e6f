/*
Package merkle maintains the Merkle tree over a context's entity state.

The tree is an arena of ID-indexed nodes: internal nodes hold ordered child
ID lists, leaves hold CRDT envelope payloads. All structure is expressed as
32-byte entity ID references; there are no owning pointers, so the whole
tree round-trips through the State storage column and can be rebuilt from a
snapshot without cycles.

Hashing rules:

  - A leaf's hash is blake3 over its envelope bytes.
  - An internal node's hash is blake3 over its ordered (child ID, child
    hash) pairs. Order matters, and children are kept sorted by ID on
    insertion so peers holding the same entities agree on every hash.
  - An empty tree's root hash is the zero hash.

A mutation recomputes hashes only along the path from the touched leaf to
the root; sibling subtrees are untouched. Verify recomputes the whole tree
from the leaves up, which tests use to detect corruption; no runtime path
calls it.

Leaf merges go through the envelope CRDT (a last-writer-wins register
ordered by hybrid logical clock, bytewise value tie-break): deterministic,
commutative and idempotent, so replaying a remote payload is always safe.

Snapshot Import rebuilds an entire entity set in a staging arena, verifies
the reconstructed root against the peer's claim and only then commits —
and it refuses outright when the local view holds any entity, backing the
selector's no-silent-overwrite rule.
*/
package merkle
