package merkle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// View maintains the Merkle tree over a context's entity state. Nodes live
// in an ID-indexed arena; structure is ID references throughout. An
// internal node's hash is a deterministic function of its ordered child
// IDs and hashes, and children are kept sorted by ID so two peers holding
// the same entities always agree on every hash.
//
// The view is safe for concurrent readers; the context actor is the single
// writer.
type View struct {
	mu        sync.RWMutex
	contextID types.ContextID
	rootID    types.EntityID
	nodes     map[types.EntityID]*node
	store     storage.Store // nil for in-memory views
}

// NewView loads (or creates) the Merkle view for a context. With a nil
// store the view is memory-only, which tests and simulations use.
func NewView(ctx types.ContextID, store storage.Store) (*View, error) {
	v := &View{
		contextID: ctx,
		rootID:    RootID(ctx),
		nodes:     make(map[types.EntityID]*node),
		store:     store,
	}

	if store != nil {
		prefix := storage.StatePrefix(ctx)
		err := store.Iter(storage.ColumnState, prefix, func(key, value []byte) error {
			if len(key) != 2*types.IDSize {
				return fmt.Errorf("malformed state key of %d bytes", len(key))
			}
			var id types.EntityID
			copy(id[:], key[types.IDSize:])
			n, err := decodeNode(id, value)
			if err != nil {
				return err
			}
			v.nodes[id] = n
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load merkle view: %w", err)
		}
	}

	if _, ok := v.nodes[v.rootID]; !ok {
		root := &node{id: v.rootID, kind: KindInternal}
		v.nodes[v.rootID] = root
		if err := v.persist(root); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// ContextID returns the owning context.
func (v *View) ContextID() types.ContextID { return v.contextID }

// RootID returns the fixed root entity ID.
func (v *View) RootID() types.EntityID { return v.rootID }

// RootHash returns the current root hash. An empty tree reports the zero
// hash.
func (v *View) RootHash() types.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.nodes[v.rootID].hash
}

// EntityCount returns the number of entities excluding the root.
func (v *View) EntityCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.nodes) - 1
}

// Node returns a read-only copy of one node.
func (v *View) Node(id types.EntityID) (NodeInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return n.info(), true
}

// Children returns a node's ordered child entries for a HashResp.
func (v *View) Children(id types.EntityID) ([]wire.ChildEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", id)
	}
	entries := make([]wire.ChildEntry, 0, len(n.children))
	for _, cid := range n.children {
		c := v.nodes[cid]
		entries = append(entries, wire.ChildEntry{ID: c.id, Hash: c.hash, IsLeaf: c.kind == KindLeaf})
	}
	return entries, nil
}

// Level returns the nodes at the given depth, level 0 being the root's
// children. A non-empty parents set restricts the result to children of
// those parents.
func (v *View) Level(level uint32, parents []types.EntityID) []wire.LevelNode {
	v.mu.RLock()
	defer v.mu.RUnlock()

	current := []types.EntityID{v.rootID}
	for l := uint32(0); l <= level; l++ {
		var next []types.EntityID
		for _, id := range current {
			if n, ok := v.nodes[id]; ok {
				next = append(next, n.children...)
			}
		}
		current = next
		if len(current) == 0 {
			break
		}
	}

	var restrict map[types.EntityID]bool
	if len(parents) > 0 {
		restrict = make(map[types.EntityID]bool, len(parents))
		for _, p := range parents {
			restrict[p] = true
		}
	}

	out := make([]wire.LevelNode, 0, len(current))
	for _, id := range current {
		n := v.nodes[id]
		if restrict != nil && !restrict[n.parent] {
			continue
		}
		out = append(out, wire.LevelNode{ID: n.id, Parent: n.parent, Hash: n.hash, IsLeaf: n.kind == KindLeaf})
	}
	return out
}

// Depth returns the number of levels below the root.
func (v *View) Depth() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	depth := uint32(0)
	current := []types.EntityID{v.rootID}
	for {
		var next []types.EntityID
		for _, id := range current {
			if n, ok := v.nodes[id]; ok {
				next = append(next, n.children...)
			}
		}
		if len(next) == 0 {
			return depth
		}
		depth++
		current = next
	}
}

// AvgChildren returns the rounded average child count across internal
// nodes that have children.
func (v *View) AvgChildren() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var internals, children int
	for _, n := range v.nodes {
		if n.kind == KindInternal && len(n.children) > 0 {
			internals++
			children += len(n.children)
		}
	}
	if internals == 0 {
		return 0
	}
	return uint32((children + internals/2) / internals)
}

// Leaves returns every leaf matching pred. Diagnostic use only.
func (v *View) Leaves(pred func(NodeInfo) bool) []NodeInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []NodeInfo
	for _, n := range v.nodes {
		if n.kind != KindLeaf {
			continue
		}
		info := n.info()
		if pred == nil || pred(info) {
			out = append(out, info)
		}
	}
	return out
}

// Clone returns a memory-only deep copy. Delta application probes a clone
// first so a post-root mismatch rejects the delta without touching real
// state.
func (v *View) Clone() *View {
	v.mu.RLock()
	defer v.mu.RUnlock()

	clone := &View{
		contextID: v.contextID,
		rootID:    v.rootID,
		nodes:     make(map[types.EntityID]*node, len(v.nodes)),
	}
	for id, n := range v.nodes {
		cp := &node{id: n.id, kind: n.kind, parent: n.parent, hash: n.hash}
		if len(n.children) > 0 {
			cp.children = append([]types.EntityID(nil), n.children...)
		}
		if n.payload != nil {
			cp.payload = append([]byte(nil), n.payload...)
		}
		clone.nodes[id] = cp
	}
	return clone
}

// EnsureInternal creates an internal node under parent if absent.
func (v *View) EnsureInternal(parent, id types.EntityID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.nodes[id]; ok {
		if existing.kind != KindInternal {
			return syncerr.Newf(syncerr.KindIntegrity, "entity %s exists as leaf, cannot become internal", id)
		}
		return nil
	}

	p, ok := v.nodes[parent]
	if !ok || p.kind != KindInternal {
		return fmt.Errorf("parent %s is not a known internal node", parent)
	}

	n := &node{id: id, kind: KindInternal, parent: parent}
	v.nodes[id] = n
	insertChild(p, id)
	return v.recomputeFrom(id)
}

// MergeLeaf offers an envelope-encoded payload to the leaf with the given
// ID, creating it under parent when absent. The CRDT merge is deterministic,
// commutative and idempotent; changed is false when the local value already
// absorbs the remote one, in which case no hash moves.
func (v *View) MergeLeaf(parent, id types.EntityID, payload []byte) (bool, error) {
	incoming, err := DecodePayload(payload)
	if err != nil {
		return false, syncerr.Wrap(syncerr.KindProtocol, "leaf payload", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.nodes[id]; ok {
		if existing.kind != KindLeaf {
			return false, syncerr.Newf(syncerr.KindIntegrity, "entity %s exists as internal node, cannot merge leaf", id)
		}
		local, err := DecodePayload(existing.payload)
		if err != nil {
			return false, syncerr.Wrap(syncerr.KindIntegrity, "stored leaf payload", err)
		}
		merged := EncodePayload(MergePayloads(local, incoming))
		if string(merged) == string(existing.payload) {
			return false, nil
		}
		existing.payload = merged
		existing.hash = types.Hash(crypto.Sum256(merged))
		if err := v.recomputeFrom(existing.id); err != nil {
			return false, err
		}
		return true, nil
	}

	p, ok := v.nodes[parent]
	if !ok || p.kind != KindInternal {
		return false, fmt.Errorf("parent %s is not a known internal node", parent)
	}

	encoded := EncodePayload(incoming)
	n := &node{
		id:      id,
		kind:    KindLeaf,
		parent:  parent,
		payload: encoded,
		hash:    types.Hash(crypto.Sum256(encoded)),
	}
	v.nodes[id] = n
	insertChild(p, id)
	if err := v.recomputeFrom(id); err != nil {
		return false, err
	}
	return true, nil
}

// insertChild keeps the ordered child list sorted by ID so both peers of a
// sync agree on child order, and therefore on every internal hash.
func insertChild(p *node, id types.EntityID) {
	i := sort.Search(len(p.children), func(i int) bool {
		return p.children[i].Compare(id) >= 0
	})
	p.children = append(p.children, types.EntityID{})
	copy(p.children[i+1:], p.children[i:])
	p.children[i] = id
}

// recomputeFrom rehashes the path from id (inclusive, internal nodes only)
// to the root and persists every touched node. Sibling subtrees are never
// revisited.
func (v *View) recomputeFrom(id types.EntityID) error {
	tx := storage.Transaction{}
	cur := id
	for {
		n, ok := v.nodes[cur]
		if !ok {
			return fmt.Errorf("broken parent chain at %s", cur)
		}
		if n.kind == KindInternal {
			n.hash = v.hashInternal(n)
		}
		tx = append(tx, storage.Op{
			Col:   storage.ColumnState,
			Key:   storage.StateKey(v.contextID, n.id),
			Value: encodeNode(n),
		})
		if cur == v.rootID {
			break
		}
		cur = n.parent
	}

	if v.store == nil {
		return nil
	}
	if err := v.store.Apply(tx); err != nil {
		return fmt.Errorf("persist merkle path: %w", err)
	}
	return nil
}

func (v *View) hashInternal(n *node) types.Hash {
	if len(n.children) == 0 {
		return types.ZeroHash
	}
	ids := make([][32]byte, len(n.children))
	hashes := make([][32]byte, len(n.children))
	for i, cid := range n.children {
		ids[i] = [32]byte(cid)
		hashes[i] = [32]byte(v.nodes[cid].hash)
	}
	return types.Hash(crypto.HashChildren(ids, hashes))
}

func (v *View) persist(n *node) error {
	if v.store == nil {
		return nil
	}
	return v.store.Put(storage.ColumnState, storage.StateKey(v.contextID, n.id), encodeNode(n))
}

// Verify recomputes every hash from the leaves up and compares against the
// stored values. Any disagreement is an integrity violation.
func (v *View) Verify() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var walk func(id types.EntityID) (types.Hash, error)
	walk = func(id types.EntityID) (types.Hash, error) {
		n, ok := v.nodes[id]
		if !ok {
			return types.Hash{}, fmt.Errorf("missing entity %s", id)
		}
		if n.kind == KindLeaf {
			if computed := crypto.Sum256(n.payload); types.Hash(computed) != n.hash {
				return types.Hash{}, syncerr.Newf(syncerr.KindIntegrity, "leaf %s hash mismatch", id)
			}
			return n.hash, nil
		}
		if len(n.children) == 0 {
			if !n.hash.IsZero() {
				return types.Hash{}, syncerr.Newf(syncerr.KindIntegrity, "empty internal %s has non-zero hash", id)
			}
			return n.hash, nil
		}
		ids := make([][32]byte, len(n.children))
		hashes := make([][32]byte, len(n.children))
		for i, cid := range n.children {
			h, err := walk(cid)
			if err != nil {
				return types.Hash{}, err
			}
			ids[i] = [32]byte(cid)
			hashes[i] = [32]byte(h)
		}
		if computed := types.Hash(crypto.HashChildren(ids, hashes)); computed != n.hash {
			return types.Hash{}, syncerr.Newf(syncerr.KindIntegrity, "internal %s hash mismatch", id)
		}
		return n.hash, nil
	}

	_, err := walk(v.rootID)
	return err
}
