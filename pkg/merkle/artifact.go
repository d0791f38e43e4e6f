package merkle

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// Mutation is one state change produced by a sandbox execution: either an
// internal node creation or a leaf write carrying a CRDT envelope.
type Mutation struct {
	Parent  types.EntityID
	ID      types.EntityID
	IsLeaf  bool
	Payload []byte // envelope bytes, leaf mutations only
}

// MaxArtifactMutations bounds a single execution's state artifact.
const MaxArtifactMutations = 65_536

// EncodeArtifact serializes a mutation batch in canonical form.
func EncodeArtifact(muts []Mutation) []byte {
	e := wire.NewEncoder()
	e.U32(uint32(len(muts)))
	for _, m := range muts {
		e.Bytes32(m.Parent)
		e.Bytes32(m.ID)
		e.Bool(m.IsLeaf)
		e.VarBytes(m.Payload)
	}
	return e.Bytes()
}

// DecodeArtifact parses a mutation batch.
func DecodeArtifact(data []byte) ([]Mutation, error) {
	d := wire.NewDecoder(data)
	n := d.Count(MaxArtifactMutations)
	muts := make([]Mutation, 0, n)
	for i := 0; i < n; i++ {
		muts = append(muts, Mutation{
			Parent:  types.EntityID(d.Bytes32()),
			ID:      types.EntityID(d.Bytes32()),
			IsLeaf:  d.Bool(),
			Payload: d.VarBytes(wire.MaxLeafPayload),
		})
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode state artifact: %w", err)
	}
	return muts, nil
}

// ApplyArtifact applies a mutation batch to the view in order. Internal
// creations land first in a well-formed artifact, so leaf parents always
// exist by the time they are needed.
func (v *View) ApplyArtifact(muts []Mutation) error {
	for _, m := range muts {
		if m.IsLeaf {
			if _, err := v.MergeLeaf(m.Parent, m.ID, m.Payload); err != nil {
				return err
			}
			continue
		}
		if err := v.EnsureInternal(m.Parent, m.ID); err != nil {
			return err
		}
	}
	return nil
}
