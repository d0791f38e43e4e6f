/*
Package wire defines the sync protocol's message surface and its canonical
binary encoding.

Every message is a 1-byte tag followed by typed fields: little-endian
fixed-width integers, 32-byte identifiers and hashes, and 32-bit
length-prefixed variable data. The encoding is canonical: the same message
always produces the same bytes, which content-addressed deltas and Merkle
hashing depend on.

Message families:

  - Handshake (tags 0-3): plaintext identity proof and ephemeral key
    agreement. The only unencrypted phase of a session.
  - Hash comparison (tags 4-7): depth-first Merkle descent and leaf fetch.
  - Level sync (tags 8-9): breadth-first level enumeration.
  - Snapshot (tags 10-11): chunked full-state transfer.
  - Delta request (tags 12-13): named causal delta fetch.
  - Status (tag 14): the shared Ack/Err terminator.

Decoding enforces the session resource bounds (node counts, payload sizes,
batch sizes) before any allocation proportional to peer input, so a single
hostile frame cannot exhaust memory. Truncated bodies, unknown tags,
over-limit counts and trailing bytes are all protocol errors that terminate
the session.
*/
package wire
