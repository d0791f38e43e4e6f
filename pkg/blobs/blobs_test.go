package blobs

import (
	"testing"

	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.Put([]byte("application module"))
	require.NoError(t, err)

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("application module"), got)

	ok, err := s.Has(hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	h1, err := s.Put([]byte("same"))
	require.NoError(t, err)
	h2, err := s.Put([]byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestGetUnknownBlob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(types.Hash{0xAA})
	assert.Error(t, err)

	ok, err := s.Has(types.Hash{0xAA})
	require.NoError(t, err)
	assert.False(t, ok)
}
