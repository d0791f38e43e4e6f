package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// KeySize is the width of symmetric session keys.
const KeySize = 32

// Direction tags one half of a session's duplex nonce space.
type Direction byte

const (
	// DirectionInitiator tags frames sent by the session initiator.
	DirectionInitiator Direction = 0
	// DirectionResponder tags frames sent by the session responder.
	DirectionResponder Direction = 1
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionInitiator {
		return DirectionResponder
	}
	return DirectionInitiator
}

// Nonce is a per-direction monotonic frame counter. The AEAD nonce is the
// little-endian counter in the low 8 bytes with the direction tag in byte 8;
// the two directions therefore never share a nonce under one session key.
type Nonce struct {
	Counter   uint64
	Direction Direction
}

// Bytes expands the counter into a 12-byte AEAD nonce.
func (n Nonce) Bytes() []byte {
	buf := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(buf[:8], n.Counter)
	buf[8] = byte(n.Direction)
	return buf
}

// Advance returns the successor nonce.
func (n Nonce) Advance() Nonce {
	return Nonce{Counter: n.Counter + 1, Direction: n.Direction}
}

// SharedKey is a symmetric session key sealing stream frames.
type SharedKey [KeySize]byte

// Seal encrypts and authenticates plaintext under the nonce.
func (k SharedKey) Seal(plaintext []byte, nonce Nonce) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	return aead.Seal(nil, nonce.Bytes(), plaintext, nil), nil
}

// Open decrypts and verifies ciphertext under the nonce. Authentication
// failure means the frame was tampered with or sealed under a different
// nonce; the caller must terminate the session.
func (k SharedKey) Open(ciphertext []byte, nonce Nonce) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce.Bytes(), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// EphemeralKey is one side's X25519 key pair for a single handshake.
type EphemeralKey struct {
	private [KeySize]byte
	Public  [KeySize]byte
}

// NewEphemeralKey generates a fresh X25519 key pair.
func NewEphemeralKey() (*EphemeralKey, error) {
	var ek EphemeralKey
	if _, err := rand.Read(ek.private[:]); err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(ek.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	copy(ek.Public[:], pub)
	return &ek, nil
}

// SharedSecret runs the Diffie-Hellman over the peer's ephemeral public
// component.
func (ek *EphemeralKey) SharedSecret(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var secret [KeySize]byte
	raw, err := curve25519.X25519(ek.private[:], peerPublic[:])
	if err != nil {
		return secret, fmt.Errorf("ecdh: %w", err)
	}
	copy(secret[:], raw)
	return secret, nil
}

// sessionKeyContext is the blake3 key-derivation context string. Changing it
// breaks wire compatibility with every deployed node.
const sessionKeyContext = "meshsync session key v1"

// DeriveSessionKey derives the symmetric session key from the ECDH secret,
// bound to the context and both party identities so a key negotiated for one
// (context, pair) can never be replayed against another.
func DeriveSessionKey(secret [KeySize]byte, contextID []byte, initiator, responder []byte) SharedKey {
	material := make([]byte, 0, len(secret)+len(contextID)+len(initiator)+len(responder))
	material = append(material, secret[:]...)
	material = append(material, contextID...)
	material = append(material, initiator...)
	material = append(material, responder...)

	var key SharedKey
	blake3.DeriveKey(key[:], sessionKeyContext, material)
	return key
}
