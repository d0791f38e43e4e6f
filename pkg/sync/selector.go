package sync

import (
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// Level-sync selection thresholds: shallow, wide trees are where
// breadth-first batching beats depth-first descent on round trips.
const (
	levelWiseMaxDepth    = 2
	levelWiseMinChildren = 10
)

// Select is the protocol selector: a pure function from the local and peer
// fingerprints plus the local missing-parent count to exactly one
// strategy. Rules are evaluated in order; the first match wins.
//
// Rule 2 is the only rule that can produce Snapshot, which is the
// enforcement point of the no-silent-overwrite invariant: a context with
// any applied delta or any entity never selects a full-state transfer.
func Select(local, peer types.Fingerprint, missingParents int) types.Protocol {
	// 1. Identical roots and nothing pending: nothing to do.
	if local.RootHash == peer.RootHash && local.PendingDeltas == 0 {
		return types.ProtocolNone
	}

	// 2. Fresh local context: bootstrap by snapshot. The only Snapshot rule.
	if local.IsEmpty() {
		return types.ProtocolSnapshot
	}

	// 3. A small, bounded set of known-missing ancestors the peer can
	// plausibly serve: fetch them by name.
	if missingParents > 0 && missingParents <= wire.MaxDeltaIDsPerReq && peer.AppliedDeltas > 0 {
		return types.ProtocolDeltaRequest
	}

	// 4. Shallow, wide peer tree: level-wise batching.
	if peer.TreeDepth <= levelWiseMaxDepth && peer.AvgChildren > levelWiseMinChildren {
		return types.ProtocolLevelWise
	}

	// 5. General case: depth-first hash comparison.
	return types.ProtocolHashComparison
}

// GuardSnapshot is the runtime assertion behind the selector: a snapshot
// session must never start on a non-empty context. A refusal increments
// the safety counter and fails the session; it is never silently
// recovered.
func GuardSnapshot(local types.Fingerprint) error {
	if !local.IsEmpty() {
		metrics.SnapshotBlocked.Inc()
		return syncerr.New(syncerr.KindProtocol, "snapshot refused: local context is not empty")
	}
	return nil
}
