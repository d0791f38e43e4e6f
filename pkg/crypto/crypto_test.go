package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key SharedKey
	key[0] = 0xAB

	nonce := Nonce{Counter: 3, Direction: DirectionInitiator}
	sealed, err := key.Seal([]byte("hello peer"), nonce)
	require.NoError(t, err)

	opened, err := key.Open(sealed, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello peer"), opened)
}

func TestOpenFailsOnWrongNonce(t *testing.T) {
	var key SharedKey
	key[0] = 0xAB

	sealed, err := key.Seal([]byte("hello"), Nonce{Counter: 1, Direction: DirectionInitiator})
	require.NoError(t, err)

	tests := []struct {
		name  string
		nonce Nonce
	}{
		{"stale counter", Nonce{Counter: 0, Direction: DirectionInitiator}},
		{"future counter", Nonce{Counter: 2, Direction: DirectionInitiator}},
		{"wrong direction", Nonce{Counter: 1, Direction: DirectionResponder}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := key.Open(sealed, tt.nonce)
			assert.Error(t, err)
		})
	}
}

func TestOpenFailsOnTamper(t *testing.T) {
	var key SharedKey
	nonce := Nonce{Counter: 0, Direction: DirectionInitiator}
	sealed, err := key.Seal([]byte("payload"), nonce)
	require.NoError(t, err)

	sealed[len(sealed)/2] ^= 0x01
	_, err = key.Open(sealed, nonce)
	assert.Error(t, err)
}

func TestNonceBytesSeparateDirections(t *testing.T) {
	a := Nonce{Counter: 7, Direction: DirectionInitiator}
	b := Nonce{Counter: 7, Direction: DirectionResponder}
	assert.NotEqual(t, a.Bytes(), b.Bytes())
	assert.Equal(t, uint64(8), a.Advance().Counter)
}

func TestECDHAgreement(t *testing.T) {
	alice, err := NewEphemeralKey()
	require.NoError(t, err)
	bob, err := NewEphemeralKey()
	require.NoError(t, err)

	s1, err := alice.SharedSecret(bob.Public)
	require.NoError(t, err)
	s2, err := bob.SharedSecret(alice.Public)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestDeriveSessionKeyBindsInputs(t *testing.T) {
	var secret [KeySize]byte
	secret[5] = 9

	base := DeriveSessionKey(secret, []byte("ctx"), []byte("a"), []byte("b"))
	assert.Equal(t, base, DeriveSessionKey(secret, []byte("ctx"), []byte("a"), []byte("b")))
	assert.NotEqual(t, base, DeriveSessionKey(secret, []byte("other"), []byte("a"), []byte("b")))
	assert.NotEqual(t, base, DeriveSessionKey(secret, []byte("ctx"), []byte("b"), []byte("a")))
}

func TestHashChildrenDependsOnOrder(t *testing.T) {
	id1, id2 := [32]byte{1}, [32]byte{2}
	h1, h2 := [32]byte{3}, [32]byte{4}

	forward := HashChildren([][32]byte{id1, id2}, [][32]byte{h1, h2})
	reversed := HashChildren([][32]byte{id2, id1}, [][32]byte{h2, h1})
	assert.NotEqual(t, forward, reversed)
}
