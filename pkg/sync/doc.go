/*
Package sync implements peer synchronization: protocol selection, the four
wire protocols, per-peer tracking and the orchestrator.

# Architecture

	┌──────────────────── SYNC MANAGER ─────────────────────────┐
	│                                                            │
	│  Periodic tick ──► Tracker.Eligible ──► session workers    │
	│                                                            │
	│  Session worker (initiator):                               │
	│    open stream ─► handshake ─► Select ─► RunInitiator      │
	│                                                            │
	│  Inbound stream (responder):                               │
	│    handshake ─► serveLoop (answers any protocol)           │
	│                                                            │
	│  Strategies:                                               │
	│    HashComparison  - DFS descent, leaf CRDT merges         │
	│    LevelWise       - BFS levels for wide shallow trees     │
	│    Snapshot        - full transfer, empty local state only │
	│    DeltaRequest    - named delta fetch, parent-chain walk  │
	└────────────────────────────────────────────────────────────┘

# Protocol selection

Select is a pure function from the local fingerprint, the peer fingerprint
learned during the handshake, and the local missing-parent count. Rules
run in order and the first match wins:

 1. Equal roots, nothing pending: no sync.
 2. Empty local context: snapshot bootstrap. The ONLY snapshot rule —
    this is the enforcement point of the no-silent-overwrite invariant.
    On an initialized node, state-based sync always runs a CRDT-merge
    protocol; last-writer-wins overwrite is permitted only on a fresh
    node's bootstrap.
 3. A small bounded missing-ancestor set the peer can serve: delta
    request.
 4. Peer tree depth <= 2 with average fan-out > 10: level-wise.
 5. Otherwise: hash comparison.

# Failure routing

Every session error carries a taxonomy kind. Transport and capacity
errors bubble to the orchestrator for backoff and retry. Crypto and
protocol errors additionally strike the peer's reputation; enough strikes
inside the window ban the peer for the context. Integrity errors discard
the offending artifact and preserve local state — they are never retried
and never silently recovered.

Sessions are cancellable: a wall-clock budget covers each session, every
suspension point checks it, and cancellation unwinds without committing
partial state (leaf merges are atomic).
*/
package sync
