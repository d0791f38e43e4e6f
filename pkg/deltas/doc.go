/*
Package deltas maintains the per-context causal-delta DAG.

Every context's history is a DAG of content-addressed deltas: each delta
names its parents, carries the state artifact its producing execution
recorded, and claims the Merkle root that artifact leads to. The store
enforces the three delta invariants:

  - Parent closure: a delta applies only after every parent has applied;
    otherwise it parks in the pending set and its unknown ancestors are
    reported for catch-up.
  - Post-root integrity: the artifact is replayed against a clone of the
    Merkle view first, and a root mismatch rejects the delta without
    touching real state.
  - Content addressing: an offered delta whose ID does not equal the hash
    of its canonical encoding is discarded before anything else looks at
    it.

When an application unblocks pending descendants, the cascade applies them
iteratively until fixpoint, so broadcast deltas arriving out of order need
no retransmission once the gap closes. Events attached to an applied delta
flow to the registered sink exactly once, in application order.

Deltas persist in the Delta storage column alongside their applied flag,
so a restarted node reloads both the applied history and the parked
pending set.
*/
package deltas
