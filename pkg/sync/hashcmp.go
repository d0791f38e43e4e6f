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

// HashComparison is the depth-first Merkle reconciliation protocol: descend
// wherever hashes disagree, fetch and CRDT-merge differing leaves. The
// session pulls one direction only; the reciprocal direction runs as a
// second session with the roles swapped.
type HashComparison struct {
	Budgets Budgets
}

func (p *HashComparison) Name() types.Protocol { return types.ProtocolHashComparison }

func (p *HashComparison) RunInitiator(ctx context.Context, ch *stream.Channel, h *contexts.Handle, peer types.Fingerprint) (*Stats, error) {
	stats := &Stats{}
	view := h.View()

	if view.RootHash() == peer.RootHash {
		if err := ch.Send(wire.Ack()); err != nil {
			return stats, err
		}
		return stats, nil
	}

	queue := []types.EntityID{view.RootID()}
	for len(queue) > 0 {
		if err := checkDeadline(ctx); err != nil {
			return stats, syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
		}
		if stats.RoundTrips >= p.Budgets.MaxRoundTrips {
			return stats, syncerr.Newf(syncerr.KindCapacity, "round trip budget %d exceeded", p.Budgets.MaxRoundTrips)
		}

		id := queue[0]
		queue = queue[1:]

		info, ok := view.Node(id)
		if !ok {
			return stats, syncerr.Newf(syncerr.KindIntegrity, "descent reached unknown local node %s", id)
		}

		if err := ch.Send(&wire.HashReq{NodeID: id, NodeHash: info.Hash}); err != nil {
			return stats, err
		}
		m, err := ch.Recv()
		if err != nil {
			return stats, err
		}
		stats.RoundTrips++

		switch resp := m.(type) {
		case *wire.Status:
			if resp.Code == wire.CodeOK {
				// Subtree already equal on the responder.
				continue
			}
			return stats, syncerr.Newf(syncerr.KindProtocol, "peer ended descent: %s", resp.Code)
		case *wire.HashResp:
			if err := p.diffChildren(ctx, ch, h, id, resp.Children, stats, &queue); err != nil {
				return stats, err
			}
		case nil:
			return stats, syncerr.New(syncerr.KindTransport, "stream closed mid-descent")
		default:
			return stats, syncerr.Newf(syncerr.KindProtocol, "unexpected %T during descent", m)
		}
	}

	if err := ch.Send(wire.Ack()); err != nil {
		return stats, err
	}
	return stats, nil
}

// diffChildren compares one node's remote child list against local state,
// queueing descents, fetching leaves and counting local-only entities for
// the reciprocal pass.
func (p *HashComparison) diffChildren(ctx context.Context, ch *stream.Channel, h *contexts.Handle, parent types.EntityID, remote []wire.ChildEntry, stats *Stats, queue *[]types.EntityID) error {
	local, err := h.View().Children(parent)
	if err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, "local children", err)
	}
	localByID := make(map[types.EntityID]wire.ChildEntry, len(local))
	for _, c := range local {
		localByID[c.ID] = c
	}

	remoteSeen := make(map[types.EntityID]bool, len(remote))
	for _, c := range remote {
		remoteSeen[c.ID] = true
		lc, exists := localByID[c.ID]
		if exists && lc.Hash == c.Hash {
			continue
		}
		if exists && lc.IsLeaf != c.IsLeaf {
			return syncerr.Newf(syncerr.KindIntegrity, "entity %s is leaf on one side and internal on the other", c.ID)
		}

		if c.IsLeaf {
			if err := p.fetchLeaf(ctx, ch, h, parent, c, stats); err != nil {
				return err
			}
			continue
		}

		if !exists {
			if err := h.EnsureInternal(parent, c.ID); err != nil {
				return syncerr.Wrap(syncerr.KindIntegrity, "materialize internal node", err)
			}
		}
		*queue = append(*queue, c.ID)
	}

	for _, c := range local {
		if !remoteSeen[c.ID] {
			stats.PushPending++
		}
	}
	return nil
}

// fetchLeaf pulls one leaf payload, verifies the stated hash against a
// recompute, and merges it.
func (p *HashComparison) fetchLeaf(ctx context.Context, ch *stream.Channel, h *contexts.Handle, parent types.EntityID, entry wire.ChildEntry, stats *Stats) error {
	if err := checkDeadline(ctx); err != nil {
		return syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
	}
	if stats.LeafFetches >= p.Budgets.MaxLeafFetches {
		return syncerr.Newf(syncerr.KindCapacity, "leaf fetch budget %d exceeded", p.Budgets.MaxLeafFetches)
	}
	if stats.RoundTrips >= p.Budgets.MaxRoundTrips {
		return syncerr.Newf(syncerr.KindCapacity, "round trip budget %d exceeded", p.Budgets.MaxRoundTrips)
	}

	if err := ch.Send(&wire.LeafReq{ID: entry.ID}); err != nil {
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
		return syncerr.Newf(syncerr.KindIntegrity, "leaf %s payload hashes to %s, peer stated %s", entry.ID, got, resp.Hash)
	}

	changed, err := h.ApplyLeaf(parent, entry.ID, resp.Payload)
	if err != nil {
		return err
	}
	if changed {
		stats.EntitiesMerged++
	}
	return nil
}

func (p *HashComparison) RunResponder(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error {
	return serveLoop(ctx, ch, h, first)
}
