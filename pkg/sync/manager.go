package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/crypto"
	"github.com/cuemby/meshsync/pkg/events"
	"github.com/cuemby/meshsync/pkg/identity"
	"github.com/cuemby/meshsync/pkg/log"
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/network"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/syncerr"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
	"github.com/google/uuid"
	corenet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// Config tunes the orchestrator.
type Config struct {
	TickInterval  time.Duration
	SessionBudget time.Duration
	RecvTimeout   time.Duration
	PeersPerTick  int
	Budgets       Budgets
	Tracker       TrackerConfig
}

// DefaultConfig is the shipped orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval:  5 * time.Second,
		SessionBudget: 30 * time.Second,
		RecvTimeout:   10 * time.Second,
		PeersPerTick:  3,
		Budgets:       DefaultBudgets,
		Tracker:       DefaultTrackerConfig,
	}
}

// Manager is the peer sync orchestrator: a periodic tick scans every
// context, picks the least-recently-synced eligible peers, and fans one
// session worker out per pair. Inbound streams are answered with the
// responder half of the chosen protocol.
type Manager struct {
	cfg      Config
	node     *network.Node
	contexts *contexts.Manager
	ids      *identity.Service
	tracker  *Tracker
	broker   *events.Broker
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     gosync.WaitGroup
}

// NewManager wires the orchestrator.
func NewManager(cfg Config, node *network.Node, ctxMgr *contexts.Manager, ids *identity.Service, broker *events.Broker) *Manager {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		node:     node,
		contexts: ctxMgr,
		ids:      ids,
		tracker:  NewTracker(cfg.Tracker),
		broker:   broker,
		logger:   log.WithComponent("sync-manager"),
		stopCh:   make(chan struct{}),
	}
}

// Tracker exposes the peer tracker for observability.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Start registers the inbound handler and launches the tick loop.
func (m *Manager) Start() {
	m.node.HandleSync(m.handleInbound)
	m.node.OnPeerConnected(func(p peer.ID) {
		m.publish(&events.Event{
			Type:     events.EventPeerConnected,
			Message:  "peer connected",
			Metadata: map[string]string{"peer_id": p.String()},
		})
	})
	m.node.OnPeerDisconnected(func(p peer.ID) {
		m.publish(&events.Event{
			Type:     events.EventPeerDropped,
			Message:  "peer disconnected",
			Metadata: map[string]string{"peer_id": p.String()},
		})
	})
	m.wg.Add(1)
	go m.tickLoop()
}

// Stop halts the tick loop and waits for in-flight sessions.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// tick scans contexts and dispatches up to PeersPerTick sessions each.
func (m *Manager) tick() {
	connected := m.node.Peers()
	for _, ctxID := range m.contexts.List() {
		for _, p := range m.tracker.Eligible(ctxID, connected, m.cfg.PeersPerTick) {
			ctxID, p := ctxID, p
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.SyncWithPeer(ctxID, p)
			}()
		}
	}
}

// SyncWithPeer runs one initiator session against a peer for a context.
func (m *Manager) SyncWithPeer(ctxID types.ContextID, p peer.ID) {
	key := Key{Context: ctxID, Peer: p}
	if !m.tracker.Begin(key) {
		return
	}

	sessionID := uuid.New().String()
	logger := m.logger.With().
		Str("session_id", sessionID).
		Str("context_id", ctxID.String()).
		Str("peer_id", p.String()).
		Logger()

	start := time.Now()
	strategy, stats, err := m.runInitiator(ctxID, p, logger)
	duration := time.Since(start)

	if err != nil {
		kind := syncerr.KindOf(err)
		if kind == syncerr.KindCrypto {
			metrics.NonceViolations.Inc()
		}
		metrics.SessionsTotal.WithLabelValues(string(strategy), string(kind)).Inc()
		banned := m.tracker.Failure(key, err)
		logger.Warn().Err(err).
			Str("strategy", string(strategy)).
			Bool("will_retry", syncerr.Retryable(err)).
			Msg("sync session failed")
		m.publish(&events.Event{
			Type:    events.EventSyncFailed,
			Message: fmt.Sprintf("sync with %s failed: %v", p, err),
			Metadata: map[string]string{
				"context_id": ctxID.String(),
				"peer_id":    p.String(),
				"kind":       string(kind),
				"will_retry": fmt.Sprintf("%t", syncerr.Retryable(err)),
			},
		})
		if banned {
			m.publish(&events.Event{
				Type:     events.EventPeerBanned,
				Message:  fmt.Sprintf("peer %s banned for context", p),
				Metadata: map[string]string{"context_id": ctxID.String(), "peer_id": p.String()},
			})
		}
		return
	}

	m.tracker.Success(key)
	metrics.SessionsTotal.WithLabelValues(string(strategy), "ok").Inc()
	metrics.PhaseDuration.WithLabelValues(string(strategy), "total").Observe(duration.Seconds())
	if stats != nil {
		metrics.RoundTrips.WithLabelValues(string(strategy)).Observe(float64(stats.RoundTrips))
		metrics.EntitiesMerged.WithLabelValues(string(strategy)).Add(float64(stats.EntitiesMerged))
	}

	logger.Info().
		Str("strategy", string(strategy)).
		Dur("duration", duration).
		Int("entities_merged", statEntities(stats)).
		Msg("sync session completed")
	m.publish(&events.Event{
		Type:    events.EventSyncCompleted,
		Message: fmt.Sprintf("sync with %s completed via %s", p, strategy),
		Metadata: map[string]string{
			"context_id":      ctxID.String(),
			"peer_id":         p.String(),
			"strategy":        string(strategy),
			"duration":        duration.String(),
			"entities_merged": fmt.Sprintf("%d", statEntities(stats)),
		},
	})
}

func statEntities(stats *Stats) int {
	if stats == nil {
		return 0
	}
	return stats.EntitiesMerged
}

func (m *Manager) runInitiator(ctxID types.ContextID, p peer.ID, logger zerolog.Logger) (types.Protocol, *Stats, error) {
	h, ok := m.contexts.Get(ctxID)
	if !ok {
		return types.ProtocolNone, nil, syncerr.Newf(syncerr.KindProtocol, "unknown context %s", ctxID)
	}

	ident, err := m.ids.ForContext(ctxID)
	if err != nil {
		return types.ProtocolNone, nil, syncerr.Wrap(syncerr.KindProtocol, "local identity", err)
	}

	sctx, cancel := sessionDeadline(context.Background(), m.cfg.SessionBudget)
	defer cancel()

	s, err := m.node.OpenSync(sctx, p)
	if err != nil {
		return types.ProtocolNone, nil, syncerr.Wrap(syncerr.KindTransport, "open stream", err)
	}
	defer s.Close()

	ch := stream.NewChannel(s, crypto.DirectionInitiator, m.cfg.RecvTimeout)

	meta := h.Meta()
	localFp := h.Fingerprint()

	hsTimer := metrics.NewTimer("handshake", "handshake")
	sess, err := identity.Initiate(ch, &meta, ident, localFp)
	hsTimer.ObserveDuration()
	if err != nil {
		return types.ProtocolNone, nil, err
	}

	m.publish(&events.Event{
		Type:    events.EventSyncStarted,
		Message: fmt.Sprintf("sync with %s started", p),
		Metadata: map[string]string{
			"context_id": ctxID.String(),
			"peer_id":    p.String(),
		},
	})

	missing := h.DeltaStore().MissingParents()
	choice := Select(localFp, sess.PeerFingerprint, len(missing))
	logger.Debug().Str("strategy", string(choice)).Msg("protocol selected")

	if choice == types.ProtocolNone {
		if err := ch.Send(wire.Ack()); err != nil {
			return choice, nil, err
		}
		return choice, &Stats{}, nil
	}

	proto := m.protocolFor(choice)
	transferTimer := metrics.NewTimer(string(choice), "data_transfer")
	stats, err := proto.RunInitiator(sctx, ch, h, sess.PeerFingerprint)
	transferTimer.ObserveDuration()
	if err != nil {
		return choice, stats, err
	}

	metrics.MessagesSent.WithLabelValues(string(choice)).Add(float64(stats.RoundTrips + 1))
	metrics.MessagesReceived.WithLabelValues(string(choice)).Add(float64(stats.RoundTrips))
	metrics.BytesSent.WithLabelValues(string(choice)).Add(float64(ch.BytesSent()))
	metrics.BytesReceived.WithLabelValues(string(choice)).Add(float64(ch.BytesReceived()))

	return choice, stats, nil
}

func (m *Manager) protocolFor(choice types.Protocol) Protocol {
	switch choice {
	case types.ProtocolSnapshot:
		return &Snapshot{}
	case types.ProtocolDeltaRequest:
		return &DeltaRequest{Budgets: m.cfg.Budgets}
	case types.ProtocolLevelWise:
		return &LevelWise{Budgets: m.cfg.Budgets}
	default:
		return &HashComparison{Budgets: m.cfg.Budgets}
	}
}

// handleInbound answers one inbound sync stream: handshake as responder,
// then serve the initiator's chosen protocol.
func (m *Manager) handleInbound(s corenet.Stream) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer s.Close()

		remote := s.Conn().RemotePeer()
		logger := m.logger.With().Str("peer_id", remote.String()).Logger()

		sctx, cancel := sessionDeadline(context.Background(), m.cfg.SessionBudget)
		defer cancel()

		ch := stream.NewChannel(s, crypto.DirectionResponder, m.cfg.RecvTimeout)

		first, err := ch.Recv()
		if err != nil {
			logger.Debug().Err(err).Msg("inbound stream failed before handshake")
			return
		}
		init, ok := first.(*wire.HandshakeInit)
		if !ok {
			_ = ch.Send(wire.Err(wire.CodeMalformed))
			return
		}

		h, ok := m.contexts.Get(init.ContextID)
		if !ok {
			_ = ch.Send(wire.Err(wire.CodeUnauthorized))
			return
		}

		key := Key{Context: init.ContextID, Peer: remote}
		if m.tracker.Banned(key) {
			_ = ch.Send(wire.Err(wire.CodeUnauthorized))
			return
		}

		ident, err := m.ids.ForContext(init.ContextID)
		if err != nil {
			_ = ch.Send(wire.Err(wire.CodeInternal))
			return
		}

		meta := h.Meta()
		if _, err := identity.Respond(ch, init, &meta, ident, h.Fingerprint()); err != nil {
			m.recordInboundFailure(key, err, logger)
			return
		}

		req, err := ch.Recv()
		if err != nil {
			m.recordInboundFailure(key, err, logger)
			return
		}
		if req == nil {
			return
		}

		if err := serveLoop(sctx, ch, h, req); err != nil {
			m.recordInboundFailure(key, err, logger)
			return
		}
		logger.Debug().Str("context_id", init.ContextID.String()).Msg("inbound session served")
	}()
}

func (m *Manager) recordInboundFailure(key Key, err error, logger zerolog.Logger) {
	kind := syncerr.KindOf(err)
	if kind == syncerr.KindCrypto {
		metrics.NonceViolations.Inc()
	}
	if syncerr.Strike(err) {
		if m.tracker.Failure(key, err) {
			m.publish(&events.Event{
				Type:     events.EventPeerBanned,
				Message:  fmt.Sprintf("peer %s banned for context", key.Peer),
				Metadata: map[string]string{"context_id": key.Context.String(), "peer_id": key.Peer.String()},
			})
		}
	}
	logger.Warn().Err(err).Str("kind", string(kind)).Msg("inbound session failed")
}

func (m *Manager) publish(ev *events.Event) {
	if m.broker != nil {
		m.broker.Publish(ev)
	}
}
