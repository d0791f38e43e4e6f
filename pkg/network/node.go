package network

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/meshsync/pkg/log"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	corenet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// SyncProtocolID is negotiated when a sync stream opens.
const SyncProtocolID = protocol.ID("/meshsync/sync/1.0.0")

// Config holds transport configuration.
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	DiscoveryTag   string
}

// PeerHandler observes peer connectivity changes.
type PeerHandler func(peer.ID)

// Node wraps the libp2p host: bidirectional sync streams with a negotiated
// protocol ID, GossipSub topics, and peer connection events.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic

	notifyLock   sync.RWMutex
	onConnect    []PeerHandler
	onDisconnect []PeerHandler
}

// New creates and bootstraps a Meshsync P2P node.
func New(ctx context.Context, cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}

	h.Network().Notify((*notifee)(n))

	if len(cfg.BootstrapPeers) > 0 {
		if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
			logger := log.WithComponent("network")
			logger.Warn().Err(err).Msg("bootstrap dial incomplete")
		}
	}

	if cfg.DiscoveryTag != "" {
		svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, (*mdnsNotifee)(n))
		if err := svc.Start(); err != nil {
			logger := log.WithComponent("network")
			logger.Warn().Err(err).Msg("mdns discovery not started")
		} else {
			go func() {
				<-ctx.Done()
				_ = svc.Close()
			}()
		}
	}

	return n, nil
}

// ID returns the local peer ID.
func (n *Node) ID() peer.ID { return n.host.ID() }

// DialSeed connects to a list of bootstrap peers.
func (n *Node) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		logger := log.WithComponent("network")
		logger.Info().Str("peer_id", pi.ID.String()).Msg("bootstrapped")
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// OpenSync opens a sync stream to a peer.
func (n *Node) OpenSync(ctx context.Context, p peer.ID) (corenet.Stream, error) {
	s, err := n.host.NewStream(ctx, p, SyncProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open sync stream to %s: %w", p, err)
	}
	return s, nil
}

// HandleSync registers the inbound sync stream handler.
func (n *Node) HandleSync(fn func(corenet.Stream)) {
	n.host.SetStreamHandler(SyncProtocolID, fn)
}

// joinTopic joins (or returns the cached) gossip topic.
func (n *Node) joinTopic(name string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()

	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Publish broadcasts data on a gossip topic.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe subscribes to a gossip topic.
func (n *Node) Subscribe(topic string) (*pubsub.Subscription, error) {
	t, err := n.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	return t.Subscribe()
}

// Peers returns the currently connected peers.
func (n *Node) Peers() []peer.ID {
	return n.host.Network().Peers()
}

// Connected reports whether the peer currently has an open connection.
func (n *Node) Connected(p peer.ID) bool {
	return n.host.Network().Connectedness(p) == corenet.Connected
}

// OnPeerConnected registers a connectivity callback.
func (n *Node) OnPeerConnected(fn PeerHandler) {
	n.notifyLock.Lock()
	n.onConnect = append(n.onConnect, fn)
	n.notifyLock.Unlock()
}

// OnPeerDisconnected registers a disconnection callback.
func (n *Node) OnPeerDisconnected(fn PeerHandler) {
	n.notifyLock.Lock()
	n.onDisconnect = append(n.onDisconnect, fn)
	n.notifyLock.Unlock()
}

// Close shuts the host down.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// notifee adapts Node to the libp2p network notifiee interface.
type notifee Node

func (nf *notifee) Listen(corenet.Network, ma.Multiaddr)      {}
func (nf *notifee) ListenClose(corenet.Network, ma.Multiaddr) {}

func (nf *notifee) Connected(_ corenet.Network, c corenet.Conn) {
	n := (*Node)(nf)
	n.notifyLock.RLock()
	handlers := append([]PeerHandler(nil), n.onConnect...)
	n.notifyLock.RUnlock()
	for _, fn := range handlers {
		fn(c.RemotePeer())
	}
}

func (nf *notifee) Disconnected(_ corenet.Network, c corenet.Conn) {
	n := (*Node)(nf)
	n.notifyLock.RLock()
	handlers := append([]PeerHandler(nil), n.onDisconnect...)
	n.notifyLock.RUnlock()
	for _, fn := range handlers {
		fn(c.RemotePeer())
	}
}

// mdnsNotifee connects to locally discovered peers, ignoring self.
type mdnsNotifee Node

func (mf *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n := (*Node)(mf)
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logger := log.WithComponent("network")
		logger.Warn().Err(err).Str("peer_id", info.ID.String()).Msg("mdns connect failed")
	}
}
