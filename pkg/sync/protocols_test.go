package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var protoCtxID = types.ContextID{0xCC}

func testHandle(t *testing.T) *contexts.Handle {
	t.Helper()
	h, err := contexts.OpenHandle(types.Context{ID: protoCtxID}, nil)
	require.NoError(t, err)
	return h
}

// produceLeaf runs the forward path without a sandbox: the artifact writes
// one leaf under the root and becomes a sealed delta on the handle.
func produceLeaf(t *testing.T, h *contexts.Handle, id byte, ts uint64, value string) types.Delta {
	t.Helper()
	artifact := merkle.EncodeArtifact([]merkle.Mutation{{
		Parent: h.View().RootID(),
		ID:     types.EntityID{0x50, id},
		IsLeaf: true,
		Payload: merkle.EncodePayload(merkle.LeafPayload{
			Timestamp: types.HLC{WallTime: ts},
			Value:     []byte(value),
		}),
	}})
	d, err := h.ProduceDelta(artifact, nil)
	require.NoError(t, err)
	return d
}

func produceGenesis(t *testing.T, h *contexts.Handle) types.Delta {
	t.Helper()
	d, err := h.ProduceDelta(merkle.EncodeArtifact(nil), nil)
	require.NoError(t, err)
	return d
}

// runSession drives proto between two handles over an encrypted in-memory
// pipe, serving the responder side with the production serve loop.
func runSession(t *testing.T, proto Protocol, initiator, responder *contexts.Handle) (*Stats, error) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	chI := stream.NewChannel(a, crypto.DirectionInitiator, 2*time.Second)
	chR := stream.NewChannel(b, crypto.DirectionResponder, 2*time.Second)
	var key crypto.SharedKey
	key[3] = 0x77
	chI.SetKey(key)
	chR.SetKey(key)

	respDone := make(chan error, 1)
	go func() {
		first, err := chR.Recv()
		if err != nil {
			respDone <- err
			return
		}
		if first == nil {
			respDone <- nil
			return
		}
		respDone <- serveLoop(context.Background(), chR, responder, first)
	}()

	stats, err := proto.RunInitiator(context.Background(), chI, initiator, responder.Fingerprint())
	a.Close()

	select {
	case <-respDone:
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not finish")
	}
	return stats, err
}

func TestHashComparisonEqualRootsIsNoOp(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	stats, err := runSession(t, &HashComparison{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	assert.Zero(t, stats.RoundTrips)
	assert.Zero(t, stats.EntitiesMerged)
}

// Deep fork: both sides extend the same genesis independently; one
// hash-comparison session in each direction converges the state trees.
func TestHashComparisonConvergesDeepFork(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	for i := byte(1); i <= 3; i++ {
		produceLeaf(t, a, i, uint64(i), "from-a")
	}
	for i := byte(11); i <= 13; i++ {
		produceLeaf(t, b, i, uint64(i), "from-b")
	}
	require.NotEqual(t, a.View().RootHash(), b.View().RootHash())

	statsA, err := runSession(t, &HashComparison{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	assert.Equal(t, 3, statsA.EntitiesMerged)
	assert.Equal(t, 3, statsA.PushPending)

	statsB, err := runSession(t, &HashComparison{Budgets: DefaultBudgets}, b, a)
	require.NoError(t, err)
	assert.Equal(t, 3, statsB.EntitiesMerged)

	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
	assert.NoError(t, a.View().Verify())
	assert.NoError(t, b.View().Verify())
}

// The same remote leaf payload applied twice leaves the root unchanged.
func TestHashComparisonIdempotentSecondSession(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)
	produceLeaf(t, b, 1, 1, "x")

	_, err = runSession(t, &HashComparison{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	root := a.View().RootHash()

	stats, err := runSession(t, &HashComparison{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	assert.Zero(t, stats.EntitiesMerged)
	assert.Equal(t, root, a.View().RootHash())
}

// A responder advertising one hash but shipping different payload bytes is
// caught on recompute; local state is unchanged.
func TestHashComparisonRejectsTamperedLeaf(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)
	produceLeaf(t, b, 1, 1, "honest")

	rootBefore := a.View().RootHash()

	pa, pb := net.Pipe()
	t.Cleanup(func() {
		pa.Close()
		pb.Close()
	})
	chI := stream.NewChannel(pa, crypto.DirectionInitiator, 2*time.Second)
	chR := stream.NewChannel(pb, crypto.DirectionResponder, 2*time.Second)

	// A hostile responder: serves real structure, lies on leaf payloads.
	go func() {
		for {
			m, err := chR.Recv()
			if err != nil || m == nil {
				return
			}
			switch req := m.(type) {
			case *wire.HashReq:
				children, _ := b.View().Children(req.NodeID)
				_ = chR.Send(&wire.HashResp{Children: children})
			case *wire.LeafReq:
				info, _ := b.View().Node(req.ID)
				_ = chR.Send(&wire.LeafResp{ID: req.ID, Hash: info.Hash, Payload: []byte("forged")})
			default:
				return
			}
		}
	}()

	_, err = (&HashComparison{Budgets: DefaultBudgets}).RunInitiator(context.Background(), chI, a, b.Fingerprint())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindIntegrity, syncerr.KindOf(err))
	assert.Equal(t, rootBefore, a.View().RootHash())
}

// Tripping the leaf-fetch budget terminates the session without leaving
// the local tree inconsistent.
func TestHashComparisonBudgetExceeded(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)
	for i := byte(1); i <= 6; i++ {
		produceLeaf(t, b, i, uint64(i), "v")
	}

	tight := DefaultBudgets
	tight.MaxLeafFetches = 2
	_, err = runSession(t, &HashComparison{Budgets: tight}, a, b)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCapacity, syncerr.KindOf(err))
	assert.NoError(t, a.View().Verify())
}

// Wide, shallow tree with a handful of differing children: the shape
// level sync exists for.
func TestLevelWiseWideShallow(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	// 45 shared leaves, via broadcast so both sides hold identical state.
	for i := byte(1); i <= 45; i++ {
		d := produceLeaf(t, a, i, uint64(i), "shared")
		res, err := b.OfferDelta(d, nil)
		require.NoError(t, err)
		require.True(t, res.Applied)
	}
	// 5 more only on the responder.
	for i := byte(100); i < 105; i++ {
		produceLeaf(t, b, i, uint64(i), "fresh")
	}

	// The selector picks level-wise for this shape.
	fpB := b.Fingerprint()
	assert.Equal(t, uint32(1), fpB.TreeDepth)
	assert.Equal(t, types.ProtocolLevelWise, Select(a.Fingerprint(), fpB, 0))

	stats, err := runSession(t, &LevelWise{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.EntitiesMerged)
	// One level request plus one fetch per differing leaf.
	assert.LessOrEqual(t, stats.RoundTrips, 6)
	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
}

func TestLevelWiseDescendsInternalNodes(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	// Two-level structure on the responder only.
	inner := types.EntityID{0x70}
	artifact := merkle.EncodeArtifact([]merkle.Mutation{
		{Parent: b.View().RootID(), ID: inner},
		{Parent: inner, ID: types.EntityID{0x71}, IsLeaf: true, Payload: merkle.EncodePayload(merkle.LeafPayload{
			Timestamp: types.HLC{WallTime: 9},
			Value:     []byte("nested"),
		})},
	})
	_, err = b.ProduceDelta(artifact, nil)
	require.NoError(t, err)

	stats, err := runSession(t, &LevelWise{Budgets: DefaultBudgets}, a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesMerged)
	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
	assert.NoError(t, a.View().Verify())
}

// A fresh node bootstraps state and history in one snapshot session.
func TestSnapshotBootstrap(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	produceGenesis(t, a)
	produceLeaf(t, a, 1, 1, "one")
	produceLeaf(t, a, 2, 2, "two")

	require.True(t, b.Fingerprint().IsEmpty())
	assert.Equal(t, types.ProtocolSnapshot, Select(b.Fingerprint(), a.Fingerprint(), 0))

	stats, err := runSession(t, &Snapshot{}, b, a)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.DeltasApplied)

	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
	assert.Equal(t, uint64(3), b.Fingerprint().AppliedDeltas)
	assert.Zero(t, b.Fingerprint().PendingDeltas)
	assert.Equal(t, a.DeltaStore().Heads(), b.DeltaStore().Heads())
	assert.NoError(t, b.View().Verify())
}

// A snapshot session against non-empty local state refuses before any
// byte leaves the node.
func TestSnapshotRefusedOnNonEmpty(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)
	produceLeaf(t, b, 1, 1, "existing")

	_, err = (&Snapshot{}).RunInitiator(context.Background(), nil, b, a.Fingerprint())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
}

// A broadcast delta with a known applied parent needs no session at all.
func TestBroadcastAppliesDirectly(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)
	d1 := produceLeaf(t, a, 1, 1, "v1")
	res, err := b.OfferDelta(d1, nil)
	require.NoError(t, err)
	require.True(t, res.Applied)

	d2 := produceLeaf(t, b, 2, 2, "v2")
	res, err = a.OfferDelta(d2, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, res.MissingParents)
	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
}

// Delta catch-up walks the parent chain across hops until the cascade
// clears everything.
func TestDeltaRequestParentWalk(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	d1 := produceLeaf(t, a, 1, 1, "v1")
	d2 := produceLeaf(t, a, 2, 2, "v2")
	d3 := produceLeaf(t, a, 3, 3, "v3")

	// Only the newest delta reaches the receiver by broadcast.
	res, err := b.OfferDelta(d3, nil)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, []types.DeltaID{d2.ID}, res.MissingParents)

	assert.Equal(t, types.ProtocolDeltaRequest,
		Select(b.Fingerprint(), a.Fingerprint(), len(b.DeltaStore().MissingParents())))

	stats, err := runSession(t, &DeltaRequest{Budgets: DefaultBudgets}, b, a)
	require.NoError(t, err)
	// d1 applies directly; d2 and d3 land through the cascade.
	assert.GreaterOrEqual(t, stats.DeltasApplied, 1)

	for _, d := range []types.Delta{g, d1, d2, d3} {
		assert.True(t, b.DeltaStore().Applied(d.ID))
	}
	assert.Zero(t, b.DeltaStore().PendingCount())
	assert.Equal(t, a.View().RootHash(), b.View().RootHash())
}

func TestDeltaRequestHopLimit(t *testing.T) {
	a, b := testHandle(t), testHandle(t)
	g := produceGenesis(t, a)
	_, err := b.OfferDelta(g, nil)
	require.NoError(t, err)

	// A long linear chain; the receiver knows only the tail.
	var chain []types.Delta
	for i := byte(1); i <= 8; i++ {
		chain = append(chain, produceLeaf(t, a, i, uint64(i), "v"))
	}
	_, err = b.OfferDelta(chain[len(chain)-1], nil)
	require.NoError(t, err)

	tight := DefaultBudgets
	tight.MaxCatchupHops = 2
	_, err = runSession(t, &DeltaRequest{Budgets: tight}, b, a)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCapacity, syncerr.KindOf(err))
}
