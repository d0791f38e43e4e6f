package storage

import "github.com/cuemby/meshsync/pkg/types"

// Key tuples per column. All tuples are fixed-width concatenations of
// 32-byte identifiers so prefix iteration over a context's records is a
// plain byte-prefix scan.

// ContextKey keys a context record in the Config column.
func ContextKey(id types.ContextID) []byte {
	return id[:]
}

// IdentityKey keys a private identity in the Identity column:
// context_id || public_key.
func IdentityKey(ctx types.ContextID, key types.PublicKey) []byte {
	return append(append([]byte(nil), ctx[:]...), key[:]...)
}

// IdentityPrefix scans all identities owned for a context.
func IdentityPrefix(ctx types.ContextID) []byte {
	return append([]byte(nil), ctx[:]...)
}

// DeltaKey keys a delta in the Delta column: context_id || delta_id.
func DeltaKey(ctx types.ContextID, id types.DeltaID) []byte {
	return append(append([]byte(nil), ctx[:]...), id[:]...)
}

// DeltaPrefix scans all deltas of a context.
func DeltaPrefix(ctx types.ContextID) []byte {
	return append([]byte(nil), ctx[:]...)
}

// StateKey keys a Merkle entity in the State column:
// context_id || entity_id.
func StateKey(ctx types.ContextID, id types.EntityID) []byte {
	return append(append([]byte(nil), ctx[:]...), id[:]...)
}

// StatePrefix scans all entities of a context.
func StatePrefix(ctx types.ContextID) []byte {
	return append([]byte(nil), ctx[:]...)
}

// BlobKey keys a content-addressed blob in the Blobs column.
func BlobKey(hash types.Hash) []byte {
	return hash[:]
}

// ApplicationKey keys an application record in the Application column.
func ApplicationKey(id types.Hash) []byte {
	return id[:]
}

// AliasKey keys a human alias in the Alias column.
func AliasKey(alias string) []byte {
	return []byte(alias)
}
