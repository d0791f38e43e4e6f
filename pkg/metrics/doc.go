/*
Package metrics provides Prometheus metrics and the runtime invariant
counters for Meshsync.

Per-protocol counters and histograms cover messages, bytes, round trips,
merged entities and phase durations (handshake, data_transfer, merge,
total). The safety counters back the three runtime-checked invariants:

  - meshsync_snapshot_blocked_total: the selector refused a snapshot onto
    non-empty local state (no silent overwrite).
  - meshsync_nonce_violations_total: a session died to a nonce gap or a
    replayed frame (nonce monotonicity).
  - meshsync_hash_verification_failures_total: a recomputed hash did not
    match its stated value (hash integrity).

An invariant violation increments its counter and terminates the offending
session; it is never silently recovered.

Metrics are package-level collectors registered once via Register() and
exposed through Serve(addr) on /metrics, matching the deployment's scrape
configuration.
*/
package metrics
