package sync

import (
	"context"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// maxSnapshotTotalEntries bounds an entire snapshot stream, chunk bounds
// aside.
const maxSnapshotTotalEntries = 1 << 20

// Snapshot is the full-state transfer protocol. It is legal only as a
// fresh node's bootstrap: the initiator refuses to run against non-empty
// local state, and the import path refuses a second time below. Entities
// stream in bounded chunks, followed by the applied delta history, and
// nothing commits until the reconstructed root matches the peer's claim.
type Snapshot struct{}

func (p *Snapshot) Name() types.Protocol { return types.ProtocolSnapshot }

func (p *Snapshot) RunInitiator(ctx context.Context, ch *stream.Channel, h *contexts.Handle, peer types.Fingerprint) (*Stats, error) {
	stats := &Stats{}

	if err := GuardSnapshot(h.Fingerprint()); err != nil {
		return stats, err
	}

	if err := ch.Send(&wire.SnapshotReq{}); err != nil {
		return stats, err
	}

	var (
		entries []wire.SnapshotEntry
		root    types.Hash
	)
	for {
		if err := checkDeadline(ctx); err != nil {
			return stats, syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
		}
		chunk, err := stream.RecvExpect[*wire.SnapshotChunk](ch)
		if err != nil {
			return stats, err
		}
		stats.RoundTrips++
		if len(entries)+len(chunk.Entries) > maxSnapshotTotalEntries {
			return stats, syncerr.Newf(syncerr.KindProtocol, "snapshot exceeds %d entries", maxSnapshotTotalEntries)
		}
		entries = append(entries, chunk.Entries...)
		if chunk.Last {
			root = chunk.RootHash
			break
		}
	}

	var history []types.Delta
	for {
		if err := checkDeadline(ctx); err != nil {
			return stats, syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
		}
		m, err := ch.Recv()
		if err != nil {
			return stats, err
		}
		switch resp := m.(type) {
		case *wire.DeltaResp:
			history = append(history, resp.Deltas...)
		case *wire.Status:
			if resp.Code != wire.CodeOK {
				return stats, syncerr.Newf(syncerr.KindProtocol, "peer aborted snapshot: %s", resp.Code)
			}
		case nil:
			return stats, syncerr.New(syncerr.KindTransport, "stream closed mid-snapshot")
		default:
			return stats, syncerr.Newf(syncerr.KindProtocol, "unexpected %T during snapshot history", m)
		}
		if _, done := m.(*wire.Status); done {
			break
		}
	}

	if err := h.ImportSnapshot(entries, root, history); err != nil {
		return stats, err
	}

	stats.EntitiesMerged = len(entries) - 1 // the root entry is structural
	stats.DeltasApplied = len(history)

	if err := ch.Send(wire.Ack()); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *Snapshot) RunResponder(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error {
	return serveLoop(ctx, ch, h, first)
}

// serveSnapshot streams the entire entity set in deterministic order, then
// the applied history. The responder does not gate on the initiator's
// emptiness; that responsibility sits with the initiator's selector.
func serveSnapshot(ch *stream.Channel, h *contexts.Handle) error {
	entries := h.View().Export()
	root := h.View().RootHash()

	for start := 0; ; start += wire.MaxSnapshotEntries {
		end := start + wire.MaxSnapshotEntries
		last := end >= len(entries)
		if end > len(entries) {
			end = len(entries)
		}
		chunk := &wire.SnapshotChunk{Entries: entries[start:end], Last: last}
		if last {
			chunk.RootHash = root
		}
		if err := ch.Send(chunk); err != nil {
			return err
		}
		if last {
			break
		}
	}

	history := h.DeltaStore().All()
	for start := 0; start < len(history); start += wire.MaxDeltasPerResp {
		end := start + wire.MaxDeltasPerResp
		if end > len(history) {
			end = len(history)
		}
		if err := ch.Send(&wire.DeltaResp{Deltas: history[start:end]}); err != nil {
			return err
		}
	}

	return ch.Send(wire.Ack())
}
