package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/types"
)

// Identity is one public/private Ed25519 key pair. The private half never
// leaves this package; callers sign through the Sign method.
type Identity struct {
	Public  types.PublicKey
	private ed25519.PrivateKey
}

// Sign signs data with the identity's private key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.private, data)
}

// Verify checks a signature against a public key.
func Verify(key types.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(key[:]), data, sig)
}

// Service holds every identity owned by this process, keyed by context.
// Per-context distinct identities are allowed; the service is read-only to
// the rest of the system once an identity exists.
type Service struct {
	mu        sync.RWMutex
	store     storage.Store
	byContext map[types.ContextID][]*Identity
}

// NewService loads persisted identities from the Identity column.
func NewService(store storage.Store) (*Service, error) {
	s := &Service{
		store:     store,
		byContext: make(map[types.ContextID][]*Identity),
	}

	err := store.Iter(storage.ColumnIdentity, nil, func(key, value []byte) error {
		if len(key) != 2*types.IDSize || len(value) != ed25519.SeedSize {
			return fmt.Errorf("malformed identity record (key %d bytes, value %d bytes)", len(key), len(value))
		}
		var ctx types.ContextID
		copy(ctx[:], key[:types.IDSize])

		private := ed25519.NewKeyFromSeed(value)
		id := &Identity{private: private}
		copy(id.Public[:], private.Public().(ed25519.PublicKey))

		s.byContext[ctx] = append(s.byContext[ctx], id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}

	return s, nil
}

// Create generates and persists a fresh identity for a context.
func (s *Service) Create(ctx types.ContextID) (*Identity, error) {
	pub, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	id := &Identity{private: private}
	copy(id.Public[:], pub)

	if err := s.store.Put(storage.ColumnIdentity, storage.IdentityKey(ctx, id.Public), private.Seed()); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	s.mu.Lock()
	s.byContext[ctx] = append(s.byContext[ctx], id)
	s.mu.Unlock()

	return id, nil
}

// Owned returns the identities owned for a context.
func (s *Service) Owned(ctx types.ContextID) []*Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Identity, len(s.byContext[ctx]))
	copy(out, s.byContext[ctx])
	return out
}

// ForContext returns one identity owned for the context, or an error if
// none exists.
func (s *Service) ForContext(ctx types.ContextID) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byContext[ctx]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no identity owned for context %s", ctx)
	}
	return ids[0], nil
}
