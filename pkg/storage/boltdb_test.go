package storage

import (
	"testing"

	"github.com/cuemby/meshsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)

	key := []byte("key")
	require.NoError(t, store.Put(ColumnMeta, key, []byte("value")))

	got, err := store.Get(ColumnMeta, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	// Columns are separate namespaces.
	other, err := store.Get(ColumnState, key)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.Delete(ColumnMeta, key))
	got, err = store.Get(ColumnMeta, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent key is not an error.
	assert.NoError(t, store.Delete(ColumnMeta, []byte("never")))
}

func TestIterPrefix(t *testing.T) {
	store := newTestStore(t)

	ctxA := types.ContextID{1}
	ctxB := types.ContextID{2}
	for i := byte(0); i < 3; i++ {
		require.NoError(t, store.Put(ColumnDelta, DeltaKey(ctxA, types.DeltaID{0x10, i}), []byte{i}))
	}
	require.NoError(t, store.Put(ColumnDelta, DeltaKey(ctxB, types.DeltaID{0x10, 0}), []byte{9}))

	var seen int
	err := store.Iter(ColumnDelta, DeltaPrefix(ctxA), func(key, value []byte) error {
		seen++
		assert.Len(t, key, 2*types.IDSize)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestApplyTransaction(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(ColumnGeneric, []byte("gone"), []byte("x")))

	tx := Transaction{
		{Col: ColumnGeneric, Key: []byte("a"), Value: []byte("1")},
		{Col: ColumnGeneric, Key: []byte("b"), Value: []byte("2")},
		{Col: ColumnGeneric, Key: []byte("gone"), Delete: true},
	}
	require.NoError(t, store.Apply(tx))

	a, _ := store.Get(ColumnGeneric, []byte("a"))
	b, _ := store.Get(ColumnGeneric, []byte("b"))
	gone, _ := store.Get(ColumnGeneric, []byte("gone"))
	assert.Equal(t, []byte("1"), a)
	assert.Equal(t, []byte("2"), b)
	assert.Nil(t, gone)
}

func TestUnknownColumnRejected(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.Put(Column("bogus"), []byte("k"), []byte("v")))
	_, err := store.Get(Column("bogus"), []byte("k"))
	assert.Error(t, err)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ColumnMeta, []byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ColumnMeta, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
