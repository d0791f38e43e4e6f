package wire

import (
	"testing"

	"github.com/cuemby/meshsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id32(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "handshake init",
			msg: &HandshakeInit{
				ContextID: types.ContextID(id32(1)),
				Identity:  types.PublicKey(id32(2)),
				Fingerprint: Fingerprint{
					RootHash:      types.Hash(id32(3)),
					TreeDepth:     4,
					AvgChildren:   17,
					AppliedDeltas: 99,
					PendingDeltas: 2,
				},
			},
		},
		{
			name: "hash req",
			msg:  &HashReq{NodeID: types.EntityID(id32(5)), NodeHash: types.Hash(id32(6))},
		},
		{
			name: "hash resp",
			msg: &HashResp{Children: []ChildEntry{
				{ID: types.EntityID(id32(7)), Hash: types.Hash(id32(8)), IsLeaf: true},
				{ID: types.EntityID(id32(9)), Hash: types.Hash(id32(10))},
			}},
		},
		{
			name: "leaf resp",
			msg:  &LeafResp{ID: types.EntityID(id32(11)), Hash: types.Hash(id32(12)), Payload: []byte("payload")},
		},
		{
			name: "level req restricted",
			msg:  &LevelReq{Level: 1, ParentIDs: []types.EntityID{types.EntityID(id32(13))}},
		},
		{
			name: "level resp",
			msg: &LevelResp{Nodes: []LevelNode{
				{ID: types.EntityID(id32(14)), Parent: types.EntityID(id32(15)), Hash: types.Hash(id32(16)), IsLeaf: true},
			}},
		},
		{
			name: "snapshot chunk",
			msg: &SnapshotChunk{
				Entries: []SnapshotEntry{
					{ID: types.EntityID(id32(17)), Children: []types.EntityID{types.EntityID(id32(18))}},
					{ID: types.EntityID(id32(18)), IsLeaf: true, Payload: []byte("leaf")},
				},
				Last:     true,
				RootHash: types.Hash(id32(19)),
			},
		},
		{
			name: "delta resp",
			msg: &DeltaResp{Deltas: []types.Delta{{
				ID:           types.DeltaID(id32(20)),
				Parents:      []types.DeltaID{types.DeltaID(id32(21))},
				Payload:      []byte("artifact"),
				Timestamp:    types.HLC{WallTime: 42, Counter: 7},
				ExpectedRoot: types.Hash(id32(22)),
			}}},
		},
		{
			name: "status err",
			msg:  Err(CodeBudgetExceeded),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.msg)
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{200})
	assert.Error(t, err)
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	encoded := Encode(&LeafReq{ID: types.EntityID(id32(1))})
	encoded = append(encoded, 0xFF)
	_, err := Decode(encoded)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	encoded := Encode(&HashReq{NodeID: types.EntityID(id32(1)), NodeHash: types.Hash(id32(2))})
	_, err := Decode(encoded[:len(encoded)-5])
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedCount(t *testing.T) {
	// Hand-build a DeltaReq claiming more IDs than the limit allows.
	e := NewEncoder()
	e.U8(uint8(TagDeltaReq))
	e.U32(MaxDeltaIDsPerReq + 1)
	_, err := Decode(e.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	e := NewEncoder()
	e.U8(uint8(TagLeafResp))
	e.Bytes32(id32(1))
	e.Bytes32(id32(2))
	e.U32(MaxLeafPayload + 1)
	_, err := Decode(e.Bytes())
	assert.Error(t, err)
}

func TestStatusCodeStrings(t *testing.T) {
	assert.Equal(t, "ok", CodeOK.String())
	assert.Equal(t, "verification_failure", CodeVerificationFailure.String())
	assert.Equal(t, "budget_exceeded", CodeBudgetExceeded.String())
	assert.Equal(t, "handshake_timeout", CodeHandshakeTimeout.String())
}

func TestCanonicalEncodingIsStable(t *testing.T) {
	msg := &HashResp{Children: []ChildEntry{
		{ID: types.EntityID(id32(1)), Hash: types.Hash(id32(2)), IsLeaf: true},
	}}
	assert.Equal(t, Encode(msg), Encode(msg))
}
