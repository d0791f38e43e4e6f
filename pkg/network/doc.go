/*
Package network wraps the libp2p host for Meshsync.

The node exposes exactly the three transport primitives the sync core
consumes:

  - bidirectional byte streams between peers, negotiated under the
    /meshsync/sync/1.0.0 protocol ID
  - GossipSub topics for context-keyed delta broadcast
  - peer connectivity events (connected, disconnected)

NAT traversal, discovery details and connection management stay inside
libp2p; an optional mDNS service connects to locally discovered peers for
development clusters. Bootstrap peers are dialed at startup, and failures
there are logged rather than fatal since gossip and the periodic sync tick
recover membership over time.
*/
package network
