package blobs

import (
	"fmt"

	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/types"
)

// Store is content-addressed blob storage over the Blobs column.
// Application artifacts land here before first execution.
type Store struct {
	kv storage.Store
}

// NewStore wraps the key-value engine.
func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// Put stores data under its content address and returns it. Storing the
// same bytes twice is a no-op.
func (s *Store) Put(data []byte) (types.Hash, error) {
	hash := types.Hash(crypto.Sum256(data))
	if err := s.kv.Put(storage.ColumnBlobs, storage.BlobKey(hash), data); err != nil {
		return types.Hash{}, fmt.Errorf("put blob %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the blob for a content address, verifying it on the way out.
// A stored blob that no longer hashes to its key is corrupt and surfaces
// as an error, never as data.
func (s *Store) Get(hash types.Hash) ([]byte, error) {
	data, err := s.kv.Get(storage.ColumnBlobs, storage.BlobKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	if data == nil {
		return nil, fmt.Errorf("blob %s not found", hash)
	}
	if got := types.Hash(crypto.Sum256(data)); got != hash {
		return nil, fmt.Errorf("blob %s failed content verification", hash)
	}
	return data, nil
}

// Has reports whether the blob exists.
func (s *Store) Has(hash types.Hash) (bool, error) {
	data, err := s.kv.Get(storage.ColumnBlobs, storage.BlobKey(hash))
	if err != nil {
		return false, err
	}
	return data != nil, nil
}
