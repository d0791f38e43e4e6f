package sync

import (
	"context"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/wire"
)

// serveLoop answers initiator requests until the initiator acknowledges
// completion or the stream closes. All four wire protocols share it: a
// session runs exactly one protocol, but every request the initiator may
// legally send resolves against the same read-only borrows of the context
// handle.
func serveLoop(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error {
	m, ok := first.(wire.Message)
	if !ok || m == nil {
		return syncerr.New(syncerr.KindProtocol, "responder started without a request")
	}

	served := 0
	for {
		if err := checkDeadline(ctx); err != nil {
			return syncerr.Wrap(syncerr.KindTransport, "session cancelled", err)
		}
		served++
		if served > MaxRequestsPerSession+wire.MaxDeltaIDsPerReq+DefaultBudgets.MaxLeafFetches {
			return syncerr.New(syncerr.KindCapacity, "responder request limit exceeded")
		}

		if err := serveOne(ch, h, m); err != nil {
			return err
		}
		if _, done := m.(*wire.Status); done {
			return nil
		}

		var err error
		m, err = ch.Recv()
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
	}
}

func serveOne(ch *stream.Channel, h *contexts.Handle, m wire.Message) error {
	switch req := m.(type) {
	case *wire.HashReq:
		info, ok := h.View().Node(req.NodeID)
		if !ok {
			return ch.Send(wire.Err(wire.CodeNotFound))
		}
		if info.Hash == req.NodeHash {
			return ch.Send(wire.Ack())
		}
		children, err := h.View().Children(req.NodeID)
		if err != nil {
			return ch.Send(wire.Err(wire.CodeInternal))
		}
		return ch.Send(&wire.HashResp{Children: children})

	case *wire.LeafReq:
		info, ok := h.View().Node(req.ID)
		if !ok || info.Payload == nil {
			return ch.Send(wire.Err(wire.CodeNotFound))
		}
		return ch.Send(&wire.LeafResp{ID: req.ID, Hash: info.Hash, Payload: info.Payload})

	case *wire.LevelReq:
		if req.Level > MaxLevelwiseDepth {
			_ = ch.Send(wire.Err(wire.CodeBudgetExceeded))
			return syncerr.Newf(syncerr.KindProtocol, "level request beyond depth limit: %d", req.Level)
		}
		nodes := h.View().Level(req.Level, req.ParentIDs)
		if len(nodes) > wire.MaxNodesPerLevel {
			_ = ch.Send(wire.Err(wire.CodeBudgetExceeded))
			return syncerr.Newf(syncerr.KindCapacity, "level %d holds %d nodes, over the per-level limit", req.Level, len(nodes))
		}
		return ch.Send(&wire.LevelResp{Nodes: nodes})

	case *wire.SnapshotReq:
		return serveSnapshot(ch, h)

	case *wire.DeltaReq:
		return ch.Send(&wire.DeltaResp{Deltas: h.DeltaStore().Serve(req.IDs)})

	case *wire.Status:
		if req.Code != wire.CodeOK {
			return syncerr.Newf(syncerr.KindProtocol, "initiator aborted session: %s", req.Code)
		}
		return nil

	default:
		_ = ch.Send(wire.Err(wire.CodeMalformed))
		return syncerr.Newf(syncerr.KindProtocol, "unexpected %T for sync phase", m)
	}
}
