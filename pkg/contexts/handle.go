package contexts

import (
	"github.com/cuemby/meshsync/pkg/deltas"
	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// Handle owns one context's delta store and Merkle view. All mutations are
// serialized through the handle's mailbox goroutine; sync protocols take
// short read-only borrows to build wire messages and queue writes back
// through the actor, so no suspension ever holds an exclusive borrow.
type Handle struct {
	meta   types.Context
	view   *merkle.View
	deltas *deltas.Store
	clock  *types.Clock
	module []byte

	reqCh  chan func()
	stopCh chan struct{}
}

// OpenHandle builds a context handle over its persisted state. A nil
// store yields a memory-only handle, which tests and simulations use.
func OpenHandle(meta types.Context, st storage.Store) (*Handle, error) {
	view, err := merkle.NewView(meta.ID, st)
	if err != nil {
		return nil, err
	}
	clock := types.NewClock()
	ds, err := deltas.NewStore(meta.ID, view, st, clock)
	if err != nil {
		return nil, err
	}
	return newHandle(meta, view, ds, clock), nil
}

func newHandle(meta types.Context, view *merkle.View, ds *deltas.Store, clock *types.Clock) *Handle {
	h := &Handle{
		meta:   meta,
		view:   view,
		deltas: ds,
		clock:  clock,
		reqCh:  make(chan func(), 64),
		stopCh: make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Handle) run() {
	for {
		select {
		case fn := <-h.reqCh:
			fn()
		case <-h.stopCh:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (h *Handle) do(fn func()) {
	done := make(chan struct{})
	select {
	case h.reqCh <- func() { fn(); close(done) }:
		<-done
	case <-h.stopCh:
	}
}

func (h *Handle) stop() { close(h.stopCh) }

// ID returns the context ID.
func (h *Handle) ID() types.ContextID { return h.meta.ID }

// Meta returns a copy of the context metadata.
func (h *Handle) Meta() types.Context {
	var meta types.Context
	h.do(func() {
		meta = h.meta
		meta.Members = append([]types.Member(nil), h.meta.Members...)
		meta.RootHash = h.view.RootHash()
	})
	return meta
}

// UpdateConfig mirrors a configuration revision observed from the oracle.
func (h *Handle) UpdateConfig(revision uint64, members []types.Member) {
	h.do(func() {
		h.meta.ConfigRevision = revision
		h.meta.Members = members
	})
}

// View returns the Merkle view for read-only borrows.
func (h *Handle) View() *merkle.View { return h.view }

// DeltaStore returns the delta store for read-only borrows.
func (h *Handle) DeltaStore() *deltas.Store { return h.deltas }

// Fingerprint summarizes the context for protocol selection.
func (h *Handle) Fingerprint() types.Fingerprint {
	return types.Fingerprint{
		RootHash:      h.view.RootHash(),
		TreeDepth:     h.view.Depth(),
		AvgChildren:   h.view.AvgChildren(),
		AppliedDeltas: uint64(h.deltas.AppliedCount()),
		PendingDeltas: uint64(h.deltas.PendingCount()),
	}
}

// OfferDelta queues a received delta for application on the actor.
func (h *Handle) OfferDelta(delta types.Delta, evs []sandbox.Event) (deltas.Result, error) {
	var (
		res deltas.Result
		err error
	)
	h.do(func() {
		res, err = h.deltas.AddWithEvents(delta, evs)
	})
	return res, err
}

// ApplyLeaf merges a leaf payload received during state sync.
func (h *Handle) ApplyLeaf(parent, id types.EntityID, payload []byte) (bool, error) {
	var (
		changed bool
		err     error
	)
	h.do(func() {
		changed, err = h.view.MergeLeaf(parent, id, payload)
	})
	return changed, err
}

// EnsureInternal creates an internal node received during state sync.
func (h *Handle) EnsureInternal(parent, id types.EntityID) error {
	var err error
	h.do(func() {
		err = h.view.EnsureInternal(parent, id)
	})
	return err
}

// ImportSnapshot installs a full snapshot (entities plus applied history)
// onto an empty context.
func (h *Handle) ImportSnapshot(entries []wire.SnapshotEntry, root types.Hash, history []types.Delta) error {
	var err error
	h.do(func() {
		if err = h.view.Import(entries, root); err != nil {
			return
		}
		err = h.deltas.ImportApplied(history)
	})
	return err
}

// ProduceDelta turns an execution's state artifact into a sealed causal
// delta, applies it locally and returns it for broadcast. The expected
// post-root is computed by probing the artifact against a clone of the
// current view, so the claim is always consistent with what replay will
// produce.
func (h *Handle) ProduceDelta(artifact []byte, evs []sandbox.Event) (types.Delta, error) {
	var (
		delta types.Delta
		err   error
	)
	h.do(func() {
		muts, derr := merkle.DecodeArtifact(artifact)
		if derr != nil {
			err = syncerr.Wrap(syncerr.KindIntegrity, "execution artifact", derr)
			return
		}
		probe := h.view.Clone()
		if derr := probe.ApplyArtifact(muts); derr != nil {
			err = syncerr.Wrap(syncerr.KindIntegrity, "execution artifact rejected", derr)
			return
		}

		delta = types.Delta{
			Parents:      h.deltas.Heads(),
			Payload:      artifact,
			Timestamp:    h.clock.Now(),
			ExpectedRoot: probe.RootHash(),
		}
		delta.Seal()

		res, derr := h.deltas.AddWithEvents(delta, evs)
		if derr != nil {
			err = derr
			return
		}
		if !res.Applied {
			err = syncerr.New(syncerr.KindIntegrity, "locally produced delta failed to apply")
		}
	})
	return delta, err
}
