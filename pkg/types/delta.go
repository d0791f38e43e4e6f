package types

import (
	"encoding/binary"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// Delta is an atomic causal state change. Its ID is the blake3 hash of its
// canonical serialization, so a delta can never be altered without changing
// identity. Every non-genesis delta names at least one parent; the per-context
// DAG has exactly one genesis (empty parent set).
type Delta struct {
	ID           DeltaID
	Parents      []DeltaID
	Payload      []byte
	Timestamp    HLC
	ExpectedRoot Hash
}

// IsGenesis reports whether the delta has no parents.
func (d *Delta) IsGenesis() bool { return len(d.Parents) == 0 }

// CanonicalEncoding serializes the delta's identity-bearing fields in the
// pinned canonical form: sorted parent IDs, length-prefixed payload,
// fixed-width timestamp, expected post-root. The ID field itself is excluded.
func (d *Delta) CanonicalEncoding() []byte {
	parents := make([]DeltaID, len(d.Parents))
	copy(parents, d.Parents)
	sort.Slice(parents, func(i, j int) bool {
		for k := 0; k < IDSize; k++ {
			if parents[i][k] != parents[j][k] {
				return parents[i][k] < parents[j][k]
			}
		}
		return false
	})

	size := 4 + len(parents)*IDSize + 4 + len(d.Payload) + 8 + 4 + IDSize
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(parents)))
	for _, p := range parents {
		buf = append(buf, p[:]...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.Payload)))
	buf = append(buf, d.Payload...)
	buf = binary.LittleEndian.AppendUint64(buf, d.Timestamp.WallTime)
	buf = binary.LittleEndian.AppendUint32(buf, d.Timestamp.Counter)
	buf = append(buf, d.ExpectedRoot[:]...)

	return buf
}

// ComputeID returns the content address of the delta.
func (d *Delta) ComputeID() DeltaID {
	return DeltaID(blake3.Sum256(d.CanonicalEncoding()))
}

// Seal stamps the delta with its computed content address.
func (d *Delta) Seal() {
	d.ID = d.ComputeID()
}

// VerifyID checks the content address against the canonical encoding.
func (d *Delta) VerifyID() error {
	if computed := d.ComputeID(); computed != d.ID {
		return fmt.Errorf("delta id %s does not match content address %s", d.ID, computed)
	}
	return nil
}
