package sync

import (
	"context"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// Level-sync session bounds, validated on every received message. They
// keep a malicious peer from exhausting the initiator with a single wide
// or deep response.
const (
	MaxLevelwiseDepth     = 16
	MaxRequestsPerSession = 100
)

// LevelWise is the breadth-first Merkle reconciliation protocol, optimized
// for shallow, wide trees: each round trip covers one whole level,
// restricted to the parents that differed in the previous round.
type LevelWise struct {
	Budgets Budgets
}

func (p *LevelWise) Name() types.Protocol { return types.ProtocolLevelWise }

func (p *LevelWise) RunInitiator(ctx context.Context, ch *stream.Channel, h *contexts.Handle, peer types.Fingerprint) (*Stats, error) {
	stats := &Stats{}
	view := h.View()

	if view.RootHash() == peer.RootHash {
		if err := ch.Send(wire.Ack()); err != nil {
			return stats, err
		}
		return stats, nil
	}

	requests := 0
	var parents []types.EntityID // nil on level 0: unrestricted

	for level := uint32(0); ; level++ {
		if level > MaxLevelwiseDepth || level > p.Budgets.MaxDepth {
			return stats, syncerr.Newf(syncerr.KindCapacity, "level-sync depth limit reached at level %d", level)
		}

		var nextParents []types.EntityID
		for _, chunk := range chunkParents(parents) {
			if err := checkDeadline(ctx); err != nil {
				return stats, syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
			}
			requests++
			if requests > MaxRequestsPerSession {
				return stats, syncerr.Newf(syncerr.KindCapacity, "level-sync request limit %d exceeded", MaxRequestsPerSession)
			}

			if err := ch.Send(&wire.LevelReq{Level: level, ParentIDs: chunk}); err != nil {
				return stats, err
			}
			resp, err := stream.RecvExpect[*wire.LevelResp](ch)
			if err != nil {
				return stats, err
			}
			stats.RoundTrips++

			next, err := p.diffLevel(ctx, ch, h, level, chunk, resp.Nodes, stats)
			if err != nil {
				return stats, err
			}
			nextParents = append(nextParents, next...)
		}

		if len(nextParents) == 0 {
			break
		}
		parents = nextParents
	}

	if err := ch.Send(wire.Ack()); err != nil {
		return stats, err
	}
	return stats, nil
}

// chunkParents splits a parent restriction into request-sized batches. A
// nil restriction is one unrestricted request.
func chunkParents(parents []types.EntityID) [][]types.EntityID {
	if len(parents) == 0 {
		return [][]types.EntityID{nil}
	}
	var chunks [][]types.EntityID
	for len(parents) > wire.MaxParentsPerRequest {
		chunks = append(chunks, parents[:wire.MaxParentsPerRequest])
		parents = parents[wire.MaxParentsPerRequest:]
	}
	return append(chunks, parents)
}

// diffLevel compares one received level slice against local state: absent
// or differing leaves are fetched and merged, differing internal nodes
// feed the next round's parent restriction.
func (p *LevelWise) diffLevel(ctx context.Context, ch *stream.Channel, h *contexts.Handle, level uint32, chunk []types.EntityID, remote []wire.LevelNode, stats *Stats) ([]types.EntityID, error) {
	local := h.View().Level(level, chunk)
	localByID := make(map[types.EntityID]wire.LevelNode, len(local))
	for _, n := range local {
		localByID[n.ID] = n
	}

	var nextParents []types.EntityID
	remoteSeen := make(map[types.EntityID]bool, len(remote))

	for _, n := range remote {
		remoteSeen[n.ID] = true
		ln, exists := localByID[n.ID]
		if exists && ln.Hash == n.Hash {
			continue
		}
		if exists && ln.IsLeaf != n.IsLeaf {
			return nil, syncerr.Newf(syncerr.KindIntegrity, "entity %s is leaf on one side and internal on the other", n.ID)
		}

		if n.IsLeaf {
			if err := p.fetchLeaf(ctx, ch, h, n, stats); err != nil {
				return nil, err
			}
			continue
		}

		if !exists {
			if err := h.EnsureInternal(n.Parent, n.ID); err != nil {
				return nil, syncerr.Wrap(syncerr.KindIntegrity, "materialize internal node", err)
			}
		}
		nextParents = append(nextParents, n.ID)
	}

	for _, n := range local {
		if !remoteSeen[n.ID] {
			stats.PushPending++
		}
	}
	return nextParents, nil
}

func (p *LevelWise) fetchLeaf(ctx context.Context, ch *stream.Channel, h *contexts.Handle, n wire.LevelNode, stats *Stats) error {
	if err := checkDeadline(ctx); err != nil {
		return syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
	}
	if stats.LeafFetches >= p.Budgets.MaxLeafFetches {
		return syncerr.Newf(syncerr.KindCapacity, "leaf fetch budget %d exceeded", p.Budgets.MaxLeafFetches)
	}

	if err := ch.Send(&wire.LeafReq{ID: n.ID}); err != nil {
		return err
	}
	resp, err := stream.RecvExpect[*wire.LeafResp](ch)
	if err != nil {
		return err
	}
	stats.RoundTrips++
	stats.LeafFetches++

	if got := types.Hash(crypto.Sum256(resp.Payload)); got != resp.Hash {
		metrics.HashVerificationFailures.Inc()
		return syncerr.Newf(syncerr.KindIntegrity, "leaf %s payload hashes to %s, peer stated %s", n.ID, got, resp.Hash)
	}

	changed, err := h.ApplyLeaf(n.Parent, n.ID, resp.Payload)
	if err != nil {
		return err
	}
	if changed {
		stats.EntitiesMerged++
	}
	return nil
}

func (p *LevelWise) RunResponder(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error {
	return serveLoop(ctx, ch, h, first)
}
