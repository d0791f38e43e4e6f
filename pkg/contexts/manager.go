package contexts

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/cuemby/meshsync/pkg/blobs"
	"github.com/cuemby/meshsync/pkg/events"
	"github.com/cuemby/meshsync/pkg/gossip"
	"github.com/cuemby/meshsync/pkg/identity"
	"github.com/cuemby/meshsync/pkg/log"
	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/oracle"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/storage"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
	"github.com/rs/zerolog"
)

// Manager owns every context handle on this node and runs the execution
// pipeline: method invocation through the sandbox, delta production,
// local application, broadcast, and event-handler re-invocation.
type Manager struct {
	store       storage.Store
	ids         *identity.Service
	oracle      *oracle.Client
	executor    sandbox.Executor
	blobs       *blobs.Store
	broker      *events.Broker
	broadcaster *gossip.Broadcaster
	logger      zerolog.Logger

	mu      sync.RWMutex
	handles map[types.ContextID]*Handle
}

// Options carries the manager's collaborators. Broadcaster may be nil for
// nodes that only sync through sessions.
type Options struct {
	Store       storage.Store
	Identities  *identity.Service
	Oracle      *oracle.Client
	Executor    sandbox.Executor
	Blobs       *blobs.Store
	Broker      *events.Broker
	Broadcaster *gossip.Broadcaster
}

// NewManager loads persisted contexts and wires the event pipeline.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		store:       opts.Store,
		ids:         opts.Identities,
		oracle:      opts.Oracle,
		executor:    opts.Executor,
		blobs:       opts.Blobs,
		broker:      opts.Broker,
		broadcaster: opts.Broadcaster,
		logger:      log.WithComponent("contexts"),
		handles:     make(map[types.ContextID]*Handle),
	}

	if m.store != nil {
		err := m.store.Iter(storage.ColumnConfig, nil, func(key, value []byte) error {
			meta, err := decodeContextMeta(value)
			if err != nil {
				return err
			}
			h, err := m.openHandle(*meta)
			if err != nil {
				return err
			}
			m.handles[meta.ID] = h
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load contexts: %w", err)
		}
	}

	return m, nil
}

func (m *Manager) openHandle(meta types.Context) (*Handle, error) {
	h, err := OpenHandle(meta, m.store)
	if err != nil {
		return nil, err
	}
	// The sink fires on the actor goroutine mid-application; handler
	// re-invocation must not re-enter the mailbox, so it runs detached.
	h.deltas.SetEventSink(func(id types.DeltaID, evs []sandbox.Event) {
		go m.dispatchEvents(h, id, evs)
	})
	return h, nil
}

// CreateContext creates a fresh context with this node as first member and
// seals its genesis delta.
func (m *Manager) CreateContext(ctx context.Context, appID types.Hash) (*Handle, error) {
	var id types.ContextID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("context id: %w", err)
	}

	ident, err := m.ids.Create(id)
	if err != nil {
		return nil, err
	}

	meta := types.Context{
		ID:            id,
		ApplicationID: appID,
		Members: []types.Member{{
			Key:          ident.Public,
			Capabilities: []types.Capability{types.CapabilityManageApplication, types.CapabilityManageMembers},
		}},
	}

	h, err := m.openHandle(meta)
	if err != nil {
		return nil, err
	}

	// Genesis: an empty artifact, sealing the empty state root.
	genesis := types.Delta{
		Payload:      merkle.EncodeArtifact(nil),
		Timestamp:    h.clock.Now(),
		ExpectedRoot: types.ZeroHash,
	}
	genesis.Seal()
	if _, err := h.OfferDelta(genesis, nil); err != nil {
		h.stop()
		return nil, fmt.Errorf("seal genesis: %w", err)
	}

	if err := m.persistMeta(h); err != nil {
		h.stop()
		return nil, err
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	m.subscribe(h)
	m.publish(events.EventContextJoined, id, "context created")
	return h, nil
}

// JoinContext joins an existing context by invitation: membership is
// resolved through the oracle at the given revision and local state starts
// empty, to be bootstrapped by the first snapshot session.
func (m *Manager) JoinContext(ctx context.Context, id types.ContextID, revision uint64) (*Handle, error) {
	members, err := m.oracle.GetMembers(ctx, id, revision)
	if err != nil {
		return nil, err
	}

	app, err := m.oracle.GetApplication(ctx, id, revision)
	if err != nil {
		return nil, err
	}

	if len(m.ids.Owned(id)) == 0 {
		if _, err := m.ids.Create(id); err != nil {
			return nil, err
		}
	}

	meta := types.Context{
		ID:                  id,
		ApplicationID:       app.ID,
		ApplicationRevision: app.Revision,
		ConfigRevision:      revision,
		Members:             members,
	}

	h, err := m.openHandle(meta)
	if err != nil {
		return nil, err
	}
	if err := m.persistMeta(h); err != nil {
		h.stop()
		return nil, err
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	m.subscribe(h)
	m.publish(events.EventContextJoined, id, "context joined")
	return h, nil
}

// EraseContext stops a context and removes every persisted row it owns.
func (m *Manager) EraseContext(id types.ContextID) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown context %s", id)
	}
	h.stop()

	if m.store != nil {
		tx := storage.Transaction{{Col: storage.ColumnConfig, Key: storage.ContextKey(id), Delete: true}}
		for _, col := range []storage.Column{storage.ColumnState, storage.ColumnDelta} {
			col := col
			err := m.store.Iter(col, id[:], func(key, _ []byte) error {
				tx = append(tx, storage.Op{Col: col, Key: append([]byte(nil), key...), Delete: true})
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := m.store.Apply(tx); err != nil {
			return fmt.Errorf("erase context %s: %w", id, err)
		}
	}

	m.publish(events.EventContextErased, id, "context erased")
	return nil
}

// Get returns the handle for a context.
func (m *Manager) Get(id types.ContextID) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// List returns every context ID this node participates in.
func (m *Manager) List() []types.ContextID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ContextID, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	return out
}

// Execute runs a method through the sandbox against the context's state,
// turns the resulting artifact into a causal delta, applies it locally and
// broadcasts it.
func (m *Manager) Execute(ctx context.Context, id types.ContextID, method string, input []byte) (*sandbox.Outcome, types.Delta, error) {
	h, ok := m.Get(id)
	if !ok {
		return nil, types.Delta{}, fmt.Errorf("unknown context %s", id)
	}

	ident, err := m.ids.ForContext(id)
	if err != nil {
		return nil, types.Delta{}, err
	}

	module, err := m.loadModule(ctx, h)
	if err != nil {
		return nil, types.Delta{}, err
	}

	outcome, err := m.executor.Execute(ctx, module, method, input, sandbox.Env{
		ContextID: id,
		Executor:  ident.Public,
		State:     viewReader{h.View()},
	}, sandbox.Limits{})
	if err != nil {
		return nil, types.Delta{}, fmt.Errorf("execute %s: %w", method, err)
	}

	delta, err := h.ProduceDelta(outcome.StateArtifact, outcome.Events)
	if err != nil {
		return nil, types.Delta{}, err
	}

	metrics.DeltasApplied.Inc()
	m.publish(events.EventDeltaApplied, id, "delta "+delta.ID.String()+" applied")

	if m.broadcaster != nil {
		m.broadcaster.Publish(&gossip.Envelope{ContextID: id, Delta: delta, Events: outcome.Events})
	}

	return outcome, delta, nil
}

// HandleBroadcast offers a gossiped delta to its context. Out-of-order
// arrivals park as pending and surface their missing ancestors for the
// orchestrator to fetch.
func (m *Manager) HandleBroadcast(env *gossip.Envelope) {
	h, ok := m.Get(env.ContextID)
	if !ok {
		return
	}

	res, err := h.OfferDelta(env.Delta, env.Events)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("context_id", env.ContextID.String()).
			Str("delta_id", env.Delta.ID.String()).
			Msg("broadcast delta rejected")
		return
	}

	if res.Applied {
		metrics.DeltasApplied.Inc()
		m.publish(events.EventDeltaApplied, env.ContextID, "delta "+env.Delta.ID.String()+" applied")
		return
	}

	metrics.DeltasPending.Set(float64(h.DeltaStore().PendingCount()))
	m.publish(events.EventDeltaPending, env.ContextID, "delta "+env.Delta.ID.String()+" pending")
}

func (m *Manager) subscribe(h *Handle) {
	if m.broadcaster == nil {
		return
	}
	if err := m.broadcaster.SubscribeContext(h.ID(), m.HandleBroadcast); err != nil {
		m.logger.Warn().Err(err).Str("context_id", h.ID().String()).Msg("broadcast subscribe failed")
	}
}

// dispatchEvents runs after each applied delta: events naming a handler
// re-enter the sandbox; failures are logged and counted, never fatal, and
// can never alter the applied delta's identity.
func (m *Manager) dispatchEvents(h *Handle, deltaID types.DeltaID, evs []sandbox.Event) {
	for _, ev := range evs {
		if ev.Handler == "" {
			continue
		}

		module, err := m.loadModule(context.Background(), h)
		if err != nil {
			m.logger.Warn().Err(err).Str("handler", ev.Handler).Msg("handler module unavailable")
			continue
		}

		ident, err := m.ids.ForContext(h.ID())
		if err != nil {
			m.logger.Warn().Err(err).Str("handler", ev.Handler).Msg("handler identity unavailable")
			continue
		}

		_, err = m.executor.Execute(context.Background(), module, ev.Handler, ev.Data, sandbox.Env{
			ContextID: h.ID(),
			Executor:  ident.Public,
			State:     viewReader{h.View()},
		}, sandbox.Limits{})
		if err != nil {
			m.logger.Warn().Err(err).
				Str("context_id", h.ID().String()).
				Str("delta_id", deltaID.String()).
				Str("handler", ev.Handler).
				Msg("event handler failed")
			m.publish(events.EventHandlerFailed, h.ID(), "handler "+ev.Handler+" failed")
			continue
		}
		m.publish(events.EventHandlerInvoked, h.ID(), "handler "+ev.Handler+" invoked")
	}
}

// loadModule resolves the context's application binary through the oracle
// and the blob store, caching it on the handle.
func (m *Manager) loadModule(ctx context.Context, h *Handle) ([]byte, error) {
	var cached []byte
	h.do(func() { cached = h.module })
	if cached != nil {
		return cached, nil
	}

	meta := h.Meta()
	app, err := m.oracle.GetApplication(ctx, meta.ID, meta.ConfigRevision)
	if err != nil {
		return nil, err
	}
	module, err := m.blobs.Get(app.BlobID)
	if err != nil {
		return nil, fmt.Errorf("application blob: %w", err)
	}

	h.do(func() { h.module = module })
	return module, nil
}

func (m *Manager) persistMeta(h *Handle) error {
	if m.store == nil {
		return nil
	}
	meta := h.Meta()
	return m.store.Put(storage.ColumnConfig, storage.ContextKey(meta.ID), encodeContextMeta(&meta))
}

func (m *Manager) publish(kind events.EventType, id types.ContextID, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     kind,
		Message:  msg,
		Metadata: map[string]string{"context_id": id.String()},
	})
}

// viewReader exposes the Merkle view's leaves to the sandbox read-only.
type viewReader struct {
	view *merkle.View
}

func (r viewReader) Leaf(id types.EntityID) ([]byte, bool) {
	info, ok := r.view.Node(id)
	if !ok || info.Payload == nil {
		return nil, false
	}
	return info.Payload, true
}

// encodeContextMeta serializes context metadata for the Config column.
func encodeContextMeta(c *types.Context) []byte {
	e := wire.NewEncoder()
	e.Bytes32(c.ID)
	e.Bytes32(c.ApplicationID)
	e.U64(c.ApplicationRevision)
	e.U64(c.ConfigRevision)
	e.U32(uint32(len(c.Members)))
	for _, member := range c.Members {
		e.Bytes32(member.Key)
		e.U32(uint32(len(member.Capabilities)))
		for _, cap := range member.Capabilities {
			e.VarBytes([]byte(cap))
		}
	}
	return e.Bytes()
}

func decodeContextMeta(data []byte) (*types.Context, error) {
	d := wire.NewDecoder(data)
	c := &types.Context{}
	c.ID = types.ContextID(d.Bytes32())
	c.ApplicationID = types.Hash(d.Bytes32())
	c.ApplicationRevision = d.U64()
	c.ConfigRevision = d.U64()
	n := d.Count(4096)
	for i := 0; i < n; i++ {
		var member types.Member
		member.Key = types.PublicKey(d.Bytes32())
		nc := d.Count(16)
		for j := 0; j < nc; j++ {
			member.Capabilities = append(member.Capabilities, types.Capability(d.VarBytes(64)))
		}
		c.Members = append(c.Members, member)
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode context meta: %w", err)
	}
	return c, nil
}
