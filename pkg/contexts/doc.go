/*
Package contexts owns every context on the node and runs the execution
pipeline.

Each context handle is an actor: one goroutine serializes every mutation
to the context's delta store and Merkle view through its mailbox, while
sync protocols take short read-only borrows to answer peer requests. No
suspension point ever holds an exclusive borrow.

The forward path: a caller submits a method invocation, the sandbox
executes it against current state and returns logs, events, a state
artifact and the post-execution root. The artifact becomes a causal delta
naming the DAG heads as parents, applies locally, and is broadcast on the
context's gossip topic. Events naming a handler re-enter the sandbox after
application; handler failures are logged and counted, never fatal.

The reverse path: gossiped deltas are offered to the delta store, parking
as pending when parents are missing; the sync orchestrator fills gaps
through delta requests or reconciles state through the Merkle protocols.
*/
package contexts
