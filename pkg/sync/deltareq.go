package sync

import (
	"context"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// DeltaRequest fetches named missing deltas and walks up the parent chain
// on demand: each batch of received deltas may surface further unknown
// ancestors, bounded by the catch-up hop limit.
type DeltaRequest struct {
	Budgets Budgets
}

func (p *DeltaRequest) Name() types.Protocol { return types.ProtocolDeltaRequest }

func (p *DeltaRequest) RunInitiator(ctx context.Context, ch *stream.Channel, h *contexts.Handle, _ types.Fingerprint) (*Stats, error) {
	stats := &Stats{}

	missing := h.DeltaStore().MissingParents()
	hops := 0

	for len(missing) > 0 {
		if err := checkDeadline(ctx); err != nil {
			return stats, syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
		}
		if hops >= p.Budgets.MaxCatchupHops {
			return stats, syncerr.Newf(syncerr.KindCapacity, "catch-up hop limit %d exceeded", p.Budgets.MaxCatchupHops)
		}

		batch := missing
		if len(batch) > wire.MaxDeltaIDsPerReq {
			batch = batch[:wire.MaxDeltaIDsPerReq]
		}

		if err := ch.Send(&wire.DeltaReq{IDs: batch}); err != nil {
			return stats, err
		}
		resp, err := stream.RecvExpect[*wire.DeltaResp](ch)
		if err != nil {
			return stats, err
		}
		stats.RoundTrips++

		if len(resp.Deltas) == 0 {
			// The peer serves none of the requested IDs. Leave the gap for
			// another peer or a state-based reconciliation.
			break
		}

		next := make(map[types.DeltaID]bool)
		for _, d := range resp.Deltas {
			res, err := h.OfferDelta(d, nil)
			if err != nil {
				return stats, err
			}
			if res.Applied {
				stats.DeltasApplied++
			}
			for _, mp := range res.MissingParents {
				next[mp] = true
			}
		}

		missing = missing[:0]
		for id := range next {
			missing = append(missing, id)
		}
		// Re-check the store: the cascade may have cleared more than this
		// batch named.
		if len(missing) == 0 {
			missing = h.DeltaStore().MissingParents()
		}
		hops++
	}

	if err := ch.Send(wire.Ack()); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *DeltaRequest) RunResponder(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error {
	return serveLoop(ctx, ch, h, first)
}
