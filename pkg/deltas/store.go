package deltas

import (
	"fmt"
	"sync"

	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
)

// MaxMissingReport bounds the missing-parent set reported to the
// orchestrator, keeping a hostile flood of pending deltas from fanning a
// catch-up request out without limit.
const MaxMissingReport = 256

// Result reports what happened to an offered delta.
type Result struct {
	// Applied is true once the delta and any cascaded descendants applied.
	Applied bool
	// MissingParents lists referenced parents this store has never seen.
	MissingParents []types.DeltaID
}

// EventSink receives the events of each successfully applied delta. The
// context manager wires handler re-invocation and subscriber fan-out here.
type EventSink func(id types.DeltaID, events []sandbox.Event)

// pendingDelta is a delta waiting for ancestors.
type pendingDelta struct {
	delta   types.Delta
	events  []sandbox.Event
	missing map[types.DeltaID]bool
}

// Store is the per-context causal-delta DAG. One writer (the context
// actor) mutates it; concurrent readers may observe the applied set.
//
// A delta is applied only when every parent is applied; its recorded
// state artifact is replayed into the Merkle view and the resulting root
// must equal the delta's expected post-root, probed on a clone so a
// rejected delta never touches real state. Delta IDs are verified against
// the canonical encoding before anything else.
type Store struct {
	mu        sync.RWMutex
	contextID types.ContextID
	view      *merkle.View
	store     storage.Store // nil for in-memory stores
	clock     *types.Clock
	sink      EventSink

	deltas  map[types.DeltaID]*types.Delta
	applied map[types.DeltaID]bool
	pending map[types.DeltaID]*pendingDelta
	waiters map[types.DeltaID][]types.DeltaID // parent -> pending children
	heads   map[types.DeltaID]bool            // applied deltas with no applied children
	genesis types.DeltaID
	hasGen  bool
}

// NewStore loads the per-context DAG. With a nil storage engine the store
// is memory-only.
func NewStore(ctx types.ContextID, view *merkle.View, st storage.Store, clock *types.Clock) (*Store, error) {
	s := &Store{
		contextID: ctx,
		view:      view,
		store:     st,
		clock:     clock,
		deltas:    make(map[types.DeltaID]*types.Delta),
		applied:   make(map[types.DeltaID]bool),
		pending:   make(map[types.DeltaID]*pendingDelta),
		waiters:   make(map[types.DeltaID][]types.DeltaID),
		heads:     make(map[types.DeltaID]bool),
	}
	if clock == nil {
		s.clock = types.NewClock()
	}

	if st != nil {
		err := st.Iter(storage.ColumnDelta, storage.DeltaPrefix(ctx), func(key, value []byte) error {
			rec, err := decodeRecord(value)
			if err != nil {
				return err
			}
			d := rec.delta
			s.deltas[d.ID] = &d
			if rec.applied {
				s.applied[d.ID] = true
				if d.IsGenesis() {
					s.genesis, s.hasGen = d.ID, true
				}
				s.clock.Observe(d.Timestamp)
			} else {
				s.indexPending(&d, rec.events)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load delta store: %w", err)
		}

		// Rebuild the head set: applied deltas no applied delta names as a
		// parent.
		isParent := make(map[types.DeltaID]bool)
		for id := range s.applied {
			for _, p := range s.deltas[id].Parents {
				isParent[p] = true
			}
		}
		for id := range s.applied {
			if !isParent[id] {
				s.heads[id] = true
			}
		}
	}

	return s, nil
}

// SetEventSink registers the sink called after each successful application.
func (s *Store) SetEventSink(sink EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Add offers a delta with no accompanying events.
func (s *Store) Add(delta types.Delta) (Result, error) {
	return s.AddWithEvents(delta, nil)
}

// AddWithEvents offers a delta to the DAG. Content address and parent
// closure are enforced here; on successful application the events are
// handed to the sink and any pending descendants cascade.
func (s *Store) AddWithEvents(delta types.Delta, events []sandbox.Event) (Result, error) {
	if err := delta.VerifyID(); err != nil {
		return Result{}, syncerr.Wrap(syncerr.KindIntegrity, "delta content address", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.deltas[delta.ID]; known {
		return Result{Applied: s.applied[delta.ID]}, nil
	}

	if delta.IsGenesis() && s.hasGen && s.genesis != delta.ID {
		return Result{}, syncerr.Newf(syncerr.KindIntegrity, "second genesis %s for context %s", delta.ID, s.contextID)
	}

	missing := s.unappliedParents(&delta)
	if len(missing) == 0 {
		if err := s.apply(&delta, events); err != nil {
			return Result{}, err
		}
		s.cascadeLocked(delta.ID)
		return Result{Applied: true}, nil
	}

	s.indexPending(&delta, events)
	if err := s.persist(&delta, events, false); err != nil {
		return Result{}, err
	}

	var unknown []types.DeltaID
	for _, p := range missing {
		if _, known := s.deltas[p]; !known {
			unknown = append(unknown, p)
		}
	}
	return Result{MissingParents: unknown}, nil
}

func (s *Store) unappliedParents(d *types.Delta) []types.DeltaID {
	var missing []types.DeltaID
	for _, p := range d.Parents {
		if !s.applied[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

func (s *Store) indexPending(d *types.Delta, events []sandbox.Event) {
	pd := &pendingDelta{delta: *d, events: events, missing: make(map[types.DeltaID]bool)}
	for _, p := range d.Parents {
		if !s.applied[p] {
			pd.missing[p] = true
			s.waiters[p] = append(s.waiters[p], d.ID)
		}
	}
	s.deltas[d.ID] = d
	s.pending[d.ID] = pd
}

// apply replays the delta's state artifact. The artifact is probed on a
// clone of the view first; an artifact that cannot apply is rejected with
// local state untouched.
//
// The expected post-root binds only when the delta lands on exactly the
// state its parents describe (local heads == parent set): there a
// mismatch is an integrity failure and the delta is rejected. A delta
// merging onto concurrent local history cannot predict the merged root;
// that divergence is detected through fingerprints and reconciled by
// state sync.
func (s *Store) apply(d *types.Delta, events []sandbox.Event) error {
	muts, err := merkle.DecodeArtifact(d.Payload)
	if err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, "delta artifact", err)
	}

	probe := s.view.Clone()
	if err := probe.ApplyArtifact(muts); err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, "delta artifact rejected", err)
	}
	if s.appliesLinearly(d) {
		if got := probe.RootHash(); got != d.ExpectedRoot {
			return syncerr.Newf(syncerr.KindIntegrity, "delta %s post-root %s does not match expected %s", d.ID, got, d.ExpectedRoot)
		}
	}

	if err := s.view.ApplyArtifact(muts); err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, "apply delta artifact", err)
	}

	s.deltas[d.ID] = d
	s.applied[d.ID] = true
	s.markHead(d)
	if d.IsGenesis() {
		s.genesis, s.hasGen = d.ID, true
	}
	s.clock.Observe(d.Timestamp)

	if err := s.persist(d, events, true); err != nil {
		return err
	}

	if s.sink != nil && len(events) > 0 {
		s.sink(d.ID, events)
	}
	return nil
}

// cascadeLocked re-scans pending deltas unblocked by a fresh application
// and applies them iteratively until fixpoint.
func (s *Store) cascadeLocked(appliedID types.DeltaID) {
	queue := []types.DeltaID{appliedID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		children := s.waiters[parent]
		delete(s.waiters, parent)

		for _, childID := range children {
			pd, ok := s.pending[childID]
			if !ok {
				continue
			}
			delete(pd.missing, parent)
			if len(pd.missing) > 0 {
				continue
			}
			delete(s.pending, childID)
			if err := s.apply(&pd.delta, pd.events); err != nil {
				// A rejected descendant is discarded; its own waiters keep
				// waiting and state-based sync will reconcile.
				delete(s.deltas, childID)
				continue
			}
			queue = append(queue, childID)
		}
	}
}

// appliesLinearly reports whether the delta's parent set is exactly the
// current head set.
func (s *Store) appliesLinearly(d *types.Delta) bool {
	if len(d.Parents) != len(s.heads) {
		return false
	}
	for _, p := range d.Parents {
		if !s.heads[p] {
			return false
		}
	}
	return true
}

func (s *Store) markHead(d *types.Delta) {
	for _, p := range d.Parents {
		delete(s.heads, p)
	}
	s.heads[d.ID] = true
}

// Heads returns the applied deltas with no applied children: the parents a
// freshly produced delta must name.
func (s *Store) Heads() []types.DeltaID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.DeltaID, 0, len(s.heads))
	for id := range s.heads {
		out = append(out, id)
	}
	return out
}

// ImportApplied installs a complete applied history in one step during a
// fresh-node snapshot bootstrap: the corresponding state already arrived
// materialized, so artifacts are not replayed. Refused unless the store is
// empty. Content addresses and parent closure within the batch are still
// verified.
func (s *Store) ImportApplied(batch []types.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deltas) > 0 {
		return syncerr.New(syncerr.KindProtocol, "history import refused: delta store is not empty")
	}

	inBatch := make(map[types.DeltaID]bool, len(batch))
	for i := range batch {
		if err := batch[i].VerifyID(); err != nil {
			return syncerr.Wrap(syncerr.KindIntegrity, "snapshot delta content address", err)
		}
		inBatch[batch[i].ID] = true
	}
	for i := range batch {
		for _, p := range batch[i].Parents {
			if !inBatch[p] {
				return syncerr.Newf(syncerr.KindProtocol, "snapshot history references missing parent %s", p)
			}
		}
	}

	for i := range batch {
		d := batch[i]
		s.deltas[d.ID] = &d
		s.applied[d.ID] = true
		if d.IsGenesis() {
			s.genesis, s.hasGen = d.ID, true
		}
		s.clock.Observe(d.Timestamp)
		if err := s.persist(&d, nil, true); err != nil {
			return err
		}
	}
	isParent := make(map[types.DeltaID]bool)
	for i := range batch {
		for _, p := range batch[i].Parents {
			isParent[p] = true
		}
	}
	for i := range batch {
		if !isParent[batch[i].ID] {
			s.heads[batch[i].ID] = true
		}
	}
	return nil
}

// All returns every applied delta, parents before children; pending deltas
// are not included. Used by the snapshot responder to stream history.
func (s *Store) All() []types.Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Delta, 0, len(s.applied))
	emitted := make(map[types.DeltaID]bool)
	var emit func(id types.DeltaID)
	emit = func(id types.DeltaID) {
		if emitted[id] || !s.applied[id] {
			return
		}
		emitted[id] = true
		d := s.deltas[id]
		for _, p := range d.Parents {
			emit(p)
		}
		out = append(out, *d)
	}
	for id := range s.applied {
		emit(id)
	}
	return out
}

// Has reports whether the delta is known, applied or pending.
func (s *Store) Has(id types.DeltaID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deltas[id]
	return ok
}

// Applied reports whether the delta has been applied.
func (s *Store) Applied(id types.DeltaID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[id]
}

// Get returns a known delta.
func (s *Store) Get(id types.DeltaID) (types.Delta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deltas[id]
	if !ok {
		return types.Delta{}, false
	}
	return *d, true
}

// MissingParents returns parent IDs referenced by pending deltas that this
// store has never seen, bounded by MaxMissingReport.
func (s *Store) MissingParents() []types.DeltaID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[types.DeltaID]bool)
	var out []types.DeltaID
	for _, pd := range s.pending {
		for p := range pd.missing {
			if _, known := s.deltas[p]; known || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			if len(out) >= MaxMissingReport {
				return out
			}
		}
	}
	return out
}

// AppliedCount returns the number of applied deltas.
func (s *Store) AppliedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.applied)
}

// PendingCount returns the number of deltas waiting on ancestors.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Serve returns the requested deltas this store can provide, parents
// before children within the served set so the receiver can usually apply
// without a second hop.
func (s *Store) Serve(ids []types.DeltaID) []types.Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requested := make(map[types.DeltaID]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	var out []types.Delta
	emitted := make(map[types.DeltaID]bool)

	var emit func(id types.DeltaID)
	emit = func(id types.DeltaID) {
		if emitted[id] || !requested[id] {
			return
		}
		d, ok := s.deltas[id]
		if !ok {
			return
		}
		emitted[id] = true
		for _, p := range d.Parents {
			emit(p)
		}
		out = append(out, *d)
	}
	for _, id := range ids {
		emit(id)
	}
	return out
}
