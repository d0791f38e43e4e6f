/*
Package gossip broadcasts freshly applied, locally produced deltas on
context-keyed GossipSub topics.

Each envelope carries one delta and the events its execution emitted.
Receivers deduplicate by content address and offer the delta to their own
store; a delta arriving before its parents simply parks as pending, and
the orchestrator fills the gap through the delta-request protocol or a
state-based reconciliation.

The outbound path is a bounded buffer drained by a single pump goroutine.
On overflow the oldest envelope is dropped and counted — safe, because a
peer that misses a broadcast converges through the next sync session. The
Bus interface keeps the transport swappable: GossipSub in production, an
in-memory bus in tests.
*/
package gossip
