package types

// Protocol identifies a sync strategy chosen by the protocol selector.
type Protocol string

const (
	// ProtocolNone means the peers are already in sync.
	ProtocolNone Protocol = "none"
	// ProtocolDeltaRequest fetches named missing deltas and walks parents.
	ProtocolDeltaRequest Protocol = "delta-request"
	// ProtocolHashComparison is depth-first Merkle reconciliation.
	ProtocolHashComparison Protocol = "hash-comparison"
	// ProtocolLevelWise is breadth-first Merkle reconciliation.
	ProtocolLevelWise Protocol = "level-wise"
	// ProtocolSnapshot is full state transfer, fresh-node bootstrap only.
	ProtocolSnapshot Protocol = "snapshot"
)

// Fingerprint summarizes one side's view of a context for protocol
// selection: the Merkle root, approximate tree shape, and delta counts.
type Fingerprint struct {
	RootHash      Hash
	TreeDepth     uint32
	AvgChildren   uint32 // average children per internal node, rounded
	AppliedDeltas uint64
	PendingDeltas uint64
}

// IsEmpty reports whether the fingerprint describes a context with no
// applied deltas and no entities: the only state in which snapshot
// transfer is permitted.
func (f Fingerprint) IsEmpty() bool {
	return f.AppliedDeltas == 0 && f.RootHash.IsZero()
}
