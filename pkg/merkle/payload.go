package merkle

import (
	"bytes"
	"fmt"

	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// LeafPayload is the CRDT envelope stored at every leaf: a last-writer-wins
// register ordered by HLC timestamp, with a bytewise value tie-break so the
// merge is total, commutative and idempotent regardless of delivery order.
type LeafPayload struct {
	Timestamp types.HLC
	Value     []byte
}

// EncodePayload produces the canonical envelope bytes leaves are hashed
// over.
func EncodePayload(p LeafPayload) []byte {
	e := wire.NewEncoder()
	e.U64(p.Timestamp.WallTime)
	e.U32(p.Timestamp.Counter)
	e.VarBytes(p.Value)
	return e.Bytes()
}

// DecodePayload parses envelope bytes.
func DecodePayload(data []byte) (LeafPayload, error) {
	d := wire.NewDecoder(data)
	var p LeafPayload
	p.Timestamp.WallTime = d.U64()
	p.Timestamp.Counter = d.U32()
	p.Value = d.VarBytes(wire.MaxLeafPayload)
	if err := d.Finish(); err != nil {
		return LeafPayload{}, fmt.Errorf("decode leaf payload: %w", err)
	}
	return p, nil
}

// MergePayloads combines two envelopes deterministically. The result is
// the same whichever side is local: later timestamp wins, ties resolve to
// the bytewise-larger value.
func MergePayloads(a, b LeafPayload) LeafPayload {
	switch a.Timestamp.Compare(b.Timestamp) {
	case 1:
		return a
	case -1:
		return b
	default:
		if bytes.Compare(a.Value, b.Value) >= 0 {
			return a
		}
		return b
	}
}
