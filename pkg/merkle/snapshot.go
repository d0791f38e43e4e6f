package merkle

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// Export walks the tree in deterministic pre-order and returns every
// entity as a snapshot entry, the root first.
func (v *View) Export() []wire.SnapshotEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var entries []wire.SnapshotEntry
	var walk func(id types.EntityID)
	walk = func(id types.EntityID) {
		n, ok := v.nodes[id]
		if !ok {
			return
		}
		entry := wire.SnapshotEntry{ID: n.id, IsLeaf: n.kind == KindLeaf}
		if n.kind == KindInternal {
			entry.Children = append([]types.EntityID(nil), n.children...)
		} else {
			entry.Payload = append([]byte(nil), n.payload...)
		}
		entries = append(entries, entry)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(v.rootID)
	return entries
}

// Import replaces an empty view with a received snapshot. The entire entity
// set is rebuilt in a staging arena, every hash recomputed from the leaves
// up, and the reconstructed root compared against the peer's claim before
// anything is committed: a mismatch leaves local state untouched.
//
// Importing onto a non-empty view is refused unconditionally. The protocol
// selector enforces the no-silent-overwrite rule before a snapshot session
// ever starts; this check is the last line behind it.
func (v *View) Import(entries []wire.SnapshotEntry, expectedRoot types.Hash) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.nodes) > 1 {
		return syncerr.New(syncerr.KindProtocol, "snapshot import refused: local context is not empty")
	}
	if len(entries) == 0 {
		return syncerr.New(syncerr.KindProtocol, "snapshot import refused: empty entry set")
	}
	if entries[0].ID != v.rootID {
		return syncerr.Newf(syncerr.KindProtocol, "snapshot root %s does not match context root %s", entries[0].ID, v.rootID)
	}

	staged := make(map[types.EntityID]*node, len(entries))
	for _, entry := range entries {
		if _, dup := staged[entry.ID]; dup {
			return syncerr.Newf(syncerr.KindProtocol, "snapshot repeats entity %s", entry.ID)
		}
		n := &node{id: entry.ID}
		if entry.IsLeaf {
			n.kind = KindLeaf
			n.payload = append([]byte(nil), entry.Payload...)
			n.hash = types.Hash(crypto.Sum256(n.payload))
		} else {
			n.kind = KindInternal
			n.children = append([]types.EntityID(nil), entry.Children...)
		}
		staged[entry.ID] = n
	}

	// Wire up parent back-references and reject dangling structure.
	for _, n := range staged {
		for _, c := range n.children {
			child, ok := staged[c]
			if !ok {
				return syncerr.Newf(syncerr.KindProtocol, "snapshot references missing entity %s", c)
			}
			child.parent = n.id
		}
	}

	var compute func(id types.EntityID, seen map[types.EntityID]bool) (types.Hash, error)
	compute = func(id types.EntityID, seen map[types.EntityID]bool) (types.Hash, error) {
		if seen[id] {
			return types.Hash{}, syncerr.Newf(syncerr.KindProtocol, "snapshot structure contains a cycle at %s", id)
		}
		seen[id] = true
		n := staged[id]
		if n.kind == KindLeaf {
			return n.hash, nil
		}
		if len(n.children) == 0 {
			n.hash = types.ZeroHash
			return n.hash, nil
		}
		ids := make([][32]byte, len(n.children))
		hashes := make([][32]byte, len(n.children))
		for i, cid := range n.children {
			h, err := compute(cid, seen)
			if err != nil {
				return types.Hash{}, err
			}
			ids[i] = [32]byte(cid)
			hashes[i] = [32]byte(h)
		}
		n.hash = types.Hash(crypto.HashChildren(ids, hashes))
		return n.hash, nil
	}

	rootHash, err := compute(v.rootID, make(map[types.EntityID]bool, len(staged)))
	if err != nil {
		return err
	}
	if rootHash != expectedRoot {
		return syncerr.Newf(syncerr.KindIntegrity, "snapshot root reconstruction %s does not match advertised %s", rootHash, expectedRoot)
	}

	tx := storage.Transaction{}
	for _, n := range staged {
		tx = append(tx, storage.Op{
			Col:   storage.ColumnState,
			Key:   storage.StateKey(v.contextID, n.id),
			Value: encodeNode(n),
		})
	}
	if v.store != nil {
		if err := v.store.Apply(tx); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}

	v.nodes = staged
	return nil
}
