package merkle

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
	"lukechampine.com/blake3"
)

// Kind discriminates tree nodes.
type Kind uint8

const (
	KindInternal Kind = 0
	KindLeaf     Kind = 1
)

// node is one arena entry. Structure is held as ID references, never as
// handles, so the tree can be persisted, diffed and rebuilt without
// chasing pointers.
type node struct {
	id       types.EntityID
	kind     Kind
	parent   types.EntityID // zero for the root
	children []types.EntityID
	payload  []byte
	hash     types.Hash
}

// NodeInfo is the read-only copy handed out of the view.
type NodeInfo struct {
	ID       types.EntityID
	Kind     Kind
	Parent   types.EntityID
	Children []types.EntityID
	Payload  []byte
	Hash     types.Hash
}

func (n *node) info() NodeInfo {
	info := NodeInfo{
		ID:     n.id,
		Kind:   n.kind,
		Parent: n.parent,
		Hash:   n.hash,
	}
	if len(n.children) > 0 {
		info.Children = append([]types.EntityID(nil), n.children...)
	}
	if n.payload != nil {
		info.Payload = append([]byte(nil), n.payload...)
	}
	return info
}

// RootID derives the fixed root entity ID for a context. Both sides of a
// sync derive the same root, which anchors every traversal.
func RootID(ctx types.ContextID) types.EntityID {
	material := make([]byte, 0, len("merkle-root")+types.IDSize)
	material = append(material, "merkle-root"...)
	material = append(material, ctx[:]...)
	return types.EntityID(blake3.Sum256(material))
}

// encodeNode serializes a node for the State column.
func encodeNode(n *node) []byte {
	e := wire.NewEncoder()
	e.U8(uint8(n.kind))
	e.Bytes32(n.parent)
	e.U32(uint32(len(n.children)))
	for _, c := range n.children {
		e.Bytes32(c)
	}
	e.VarBytes(n.payload)
	e.Bytes32(n.hash)
	return e.Bytes()
}

// decodeNode deserializes a persisted node.
func decodeNode(id types.EntityID, data []byte) (*node, error) {
	d := wire.NewDecoder(data)
	n := &node{id: id}
	n.kind = Kind(d.U8())
	n.parent = types.EntityID(d.Bytes32())
	count := d.Count(wire.MaxChildrenPerNode)
	for i := 0; i < count; i++ {
		n.children = append(n.children, types.EntityID(d.Bytes32()))
	}
	n.payload = d.VarBytes(wire.MaxLeafPayload)
	n.hash = types.Hash(d.Bytes32())
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode state node %s: %w", id, err)
	}
	if n.kind != KindInternal && n.kind != KindLeaf {
		return nil, fmt.Errorf("decode state node %s: invalid kind %d", id, n.kind)
	}
	return n, nil
}
