package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the width of every opaque identifier in the system: context IDs,
// delta IDs, Merkle entity IDs, and hashes are all 32-byte values.
const IDSize = 32

// ContextID identifies a collaborative context.
type ContextID [IDSize]byte

// DeltaID is the content address of a causal delta.
type DeltaID [IDSize]byte

// EntityID identifies a node in a context's Merkle view.
type EntityID [IDSize]byte

// Hash is a 32-byte blake3 digest.
type Hash [IDSize]byte

// PublicKey is an Ed25519 public key identifying a context member.
type PublicKey [IDSize]byte

// ZeroHash is the root hash of an empty Merkle view.
var ZeroHash Hash

func (id ContextID) String() string { return hex.EncodeToString(id[:]) }
func (id DeltaID) String() string   { return hex.EncodeToString(id[:]) }
func (id EntityID) String() string  { return hex.EncodeToString(id[:]) }
func (h Hash) String() string       { return hex.EncodeToString(h[:]) }
func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Equal reports hash equality in constant form for readability at call sites.
func (h Hash) Equal(other Hash) bool { return h == other }

// Compare orders entity IDs bytewise. Used wherever a deterministic
// iteration order over ID sets is required.
func (id EntityID) Compare(other EntityID) int { return bytes.Compare(id[:], other[:]) }

// ParseContextID decodes a hex-encoded context ID.
func ParseContextID(s string) (ContextID, error) {
	var id ContextID
	if err := parseHex32(s, id[:]); err != nil {
		return ContextID{}, fmt.Errorf("invalid context id: %w", err)
	}
	return id, nil
}

// ParseDeltaID decodes a hex-encoded delta ID.
func ParseDeltaID(s string) (DeltaID, error) {
	var id DeltaID
	if err := parseHex32(s, id[:]); err != nil {
		return DeltaID{}, fmt.Errorf("invalid delta id: %w", err)
	}
	return id, nil
}

func parseHex32(s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != IDSize {
		return fmt.Errorf("expected %d bytes, got %d", IDSize, len(raw))
	}
	copy(dst, raw)
	return nil
}
