package deltas

import (
	"testing"

	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCtx = types.ContextID{0xBB}

func newTestStore(t *testing.T) (*Store, *merkle.View) {
	t.Helper()
	view, err := merkle.NewView(testCtx, nil)
	require.NoError(t, err)
	store, err := NewStore(testCtx, view, nil, types.NewClock())
	require.NoError(t, err)
	return store, view
}

// makeDelta builds a sealed delta whose artifact writes one leaf and whose
// expected root is computed by probing the given view state.
func makeDelta(t *testing.T, view *merkle.View, parents []types.DeltaID, leaf byte, ts uint64) types.Delta {
	t.Helper()
	artifact := merkle.EncodeArtifact([]merkle.Mutation{{
		Parent: view.RootID(),
		ID:     types.EntityID{leaf},
		IsLeaf: true,
		Payload: merkle.EncodePayload(merkle.LeafPayload{
			Timestamp: types.HLC{WallTime: ts},
			Value:     []byte{leaf},
		}),
	}})

	probe := view.Clone()
	muts, err := merkle.DecodeArtifact(artifact)
	require.NoError(t, err)
	require.NoError(t, probe.ApplyArtifact(muts))

	d := types.Delta{
		Parents:      parents,
		Payload:      artifact,
		Timestamp:    types.HLC{WallTime: ts},
		ExpectedRoot: probe.RootHash(),
	}
	d.Seal()
	return d
}

func genesisDelta(t *testing.T) types.Delta {
	t.Helper()
	d := types.Delta{
		Payload:      merkle.EncodeArtifact(nil),
		Timestamp:    types.HLC{WallTime: 1},
		ExpectedRoot: types.ZeroHash,
	}
	d.Seal()
	return d
}

func TestGenesisApplies(t *testing.T) {
	store, _ := newTestStore(t)
	g := genesisDelta(t)

	res, err := store.Add(g)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, store.Applied(g.ID))
	assert.Equal(t, 1, store.AppliedCount())
	assert.Equal(t, []types.DeltaID{g.ID}, store.Heads())
}

func TestContentAddressRejected(t *testing.T) {
	store, _ := newTestStore(t)
	g := genesisDelta(t)
	g.ID[0] ^= 0xFF

	_, err := store.Add(g)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindIntegrity, syncerr.KindOf(err))
	assert.False(t, store.Has(g.ID))
}

func TestSecondGenesisRejected(t *testing.T) {
	store, _ := newTestStore(t)
	g := genesisDelta(t)
	_, err := store.Add(g)
	require.NoError(t, err)

	other := types.Delta{
		Payload:      merkle.EncodeArtifact(nil),
		Timestamp:    types.HLC{WallTime: 2},
		ExpectedRoot: types.ZeroHash,
	}
	other.Seal()
	require.NotEqual(t, g.ID, other.ID)

	_, err = store.Add(other)
	assert.Error(t, err)
}

func TestPostRootMismatchRejected(t *testing.T) {
	store, view := newTestStore(t)
	g := genesisDelta(t)
	_, err := store.Add(g)
	require.NoError(t, err)

	// A linear delta claiming the wrong post-root is an integrity failure.
	d := makeDelta(t, view, []types.DeltaID{g.ID}, 1, 10)
	d.ExpectedRoot = types.Hash{0xEE}
	d.Seal()

	rootBefore := view.RootHash()
	_, err = store.Add(d)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindIntegrity, syncerr.KindOf(err))
	assert.Equal(t, rootBefore, view.RootHash())
	assert.False(t, store.Applied(d.ID))
}

func TestPendingAndCascade(t *testing.T) {
	store, view := newTestStore(t)
	g := genesisDelta(t)

	probe := view.Clone()
	d1 := makeDelta(t, probe, []types.DeltaID{g.ID}, 1, 10)
	muts, _ := merkle.DecodeArtifact(d1.Payload)
	require.NoError(t, probe.ApplyArtifact(muts))
	d2 := makeDelta(t, probe, []types.DeltaID{d1.ID}, 2, 20)

	// Children arrive before ancestors: both park as pending.
	res, err := store.Add(d2)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []types.DeltaID{d1.ID}, res.MissingParents)
	assert.Equal(t, 1, store.PendingCount())

	res, err = store.Add(d1)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []types.DeltaID{g.ID}, res.MissingParents)

	// The genesis unblocks the whole chain.
	res, err = store.Add(g)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	assert.True(t, store.Applied(d1.ID))
	assert.True(t, store.Applied(d2.ID))
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, 3, store.AppliedCount())
	assert.Equal(t, []types.DeltaID{d2.ID}, store.Heads())
}

// Parent closure: every applied delta's parents are applied, at any
// point, under any arrival order.
func TestParentClosureInvariant(t *testing.T) {
	store, view := newTestStore(t)
	g := genesisDelta(t)

	probe := view.Clone()
	d1 := makeDelta(t, probe, []types.DeltaID{g.ID}, 1, 10)
	muts, _ := merkle.DecodeArtifact(d1.Payload)
	require.NoError(t, probe.ApplyArtifact(muts))
	d2 := makeDelta(t, probe, []types.DeltaID{d1.ID}, 2, 20)

	check := func() {
		for _, d := range []types.Delta{g, d1, d2} {
			if !store.Applied(d.ID) {
				continue
			}
			for _, p := range d.Parents {
				assert.True(t, store.Applied(p), "applied delta %s has unapplied parent %s", d.ID, p)
			}
		}
	}

	for _, d := range []types.Delta{d2, g, d1} {
		_, err := store.Add(d)
		require.NoError(t, err)
		check()
	}
	assert.Equal(t, 3, store.AppliedCount())
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	g := genesisDelta(t)

	_, err := store.Add(g)
	require.NoError(t, err)
	res, err := store.Add(g)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, store.AppliedCount())
}

func TestMissingParentsBounded(t *testing.T) {
	store, view := newTestStore(t)

	g := genesisDelta(t)
	_, err := store.Add(g)
	require.NoError(t, err)

	for i := 0; i < MaxMissingReport+20; i++ {
		unknown := types.DeltaID{0xF0, byte(i), byte(i >> 8)}
		d := makeDelta(t, view, []types.DeltaID{unknown}, byte(i), uint64(i+10))
		_, err := store.Add(d)
		require.NoError(t, err)
	}

	missing := store.MissingParents()
	assert.LessOrEqual(t, len(missing), MaxMissingReport)
	assert.NotEmpty(t, missing)
}

func TestServeTopologicalOrder(t *testing.T) {
	store, view := newTestStore(t)
	g := genesisDelta(t)
	_, err := store.Add(g)
	require.NoError(t, err)

	d1 := makeDelta(t, view, []types.DeltaID{g.ID}, 1, 10)
	_, err = store.Add(d1)
	require.NoError(t, err)
	d2 := makeDelta(t, view, []types.DeltaID{d1.ID}, 2, 20)
	_, err = store.Add(d2)
	require.NoError(t, err)

	served := store.Serve([]types.DeltaID{d2.ID, d1.ID})
	require.Len(t, served, 2)
	assert.Equal(t, d1.ID, served[0].ID)
	assert.Equal(t, d2.ID, served[1].ID)

	// Unknown IDs are silently omitted.
	served = store.Serve([]types.DeltaID{{0xDD}})
	assert.Empty(t, served)
}

func TestEventsReachSinkOnce(t *testing.T) {
	store, _ := newTestStore(t)

	var got [][]sandbox.Event
	store.SetEventSink(func(_ types.DeltaID, evs []sandbox.Event) {
		got = append(got, evs)
	})

	g := genesisDelta(t)
	evs := []sandbox.Event{{Kind: "created", Handler: "on_created", Data: []byte("d")}}
	_, err := store.AddWithEvents(g, evs)
	require.NoError(t, err)

	// Replays do not re-dispatch.
	_, err = store.AddWithEvents(g, evs)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, evs, got[0])
}

func TestImportAppliedHistory(t *testing.T) {
	// Build a source node with real history.
	srcStore, srcView := newTestStore(t)
	g := genesisDelta(t)
	_, err := srcStore.Add(g)
	require.NoError(t, err)
	d1 := makeDelta(t, srcView, []types.DeltaID{g.ID}, 1, 10)
	_, err = srcStore.Add(d1)
	require.NoError(t, err)

	history := srcStore.All()
	require.Len(t, history, 2)
	assert.Equal(t, g.ID, history[0].ID)

	dst, _ := newTestStore(t)
	require.NoError(t, dst.ImportApplied(history))
	assert.Equal(t, 2, dst.AppliedCount())
	assert.True(t, dst.Applied(d1.ID))
	assert.Equal(t, []types.DeltaID{d1.ID}, dst.Heads())

	// A second import is refused: the store is no longer empty.
	assert.Error(t, dst.ImportApplied(history))
}

func TestImportAppliedRejectsOpenParents(t *testing.T) {
	dst, view := newTestStore(t)
	d := makeDelta(t, view, []types.DeltaID{{0x99}}, 1, 10)
	assert.Error(t, dst.ImportApplied([]types.Delta{d}))
}
