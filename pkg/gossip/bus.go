package gossip

import (
	"context"
	"sync"

	"github.com/cuemby/meshsync/pkg/network"
)

// Libp2pBus adapts the network node's GossipSub surface to the Bus
// interface.
type Libp2pBus struct {
	Node *network.Node
}

func (b *Libp2pBus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.Node.Publish(ctx, topic, data)
}

func (b *Libp2pBus) Subscribe(topic string, fn func(data []byte)) (func(), error) {
	sub, err := b.Node.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == b.Node.ID() {
				continue
			}
			fn(msg.Data)
		}
	}()

	return cancel, nil
}

// MemBus is an in-process bus for tests and simulations: every subscriber
// of a topic receives every published message, including the publisher's
// own, which exercises the dedup path.
type MemBus struct {
	mu   sync.RWMutex
	subs map[string][]func([]byte)
}

// NewMemBus creates an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string][]func([]byte))}
}

func (b *MemBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemBus) Subscribe(topic string, fn func(data []byte)) (func(), error) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], fn)
	idx := len(b.subs[topic]) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		if idx < len(subs) {
			subs[idx] = func([]byte) {}
		}
	}, nil
}
