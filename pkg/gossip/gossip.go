package gossip

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/meshsync/pkg/log"
	"github.com/cuemby/meshsync/pkg/metrics"
	"github.com/cuemby/meshsync/pkg/sandbox"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/cuemby/meshsync/pkg/wire"
)

// TopicFor names the context-keyed delta broadcast topic.
func TopicFor(ctx types.ContextID) string {
	return "meshsync/delta/" + ctx.String()
}

// Envelope is one broadcast unit: a freshly applied, locally produced
// delta plus the events its execution emitted.
type Envelope struct {
	ContextID types.ContextID
	Delta     types.Delta
	Events    []sandbox.Event
}

const maxEventString = 4096

// EncodeEnvelope serializes a broadcast envelope.
func EncodeEnvelope(env *Envelope) []byte {
	e := wire.NewEncoder()
	e.Bytes32(env.ContextID)
	e.Bytes32(env.Delta.ID)
	e.U32(uint32(len(env.Delta.Parents)))
	for _, p := range env.Delta.Parents {
		e.Bytes32(p)
	}
	e.VarBytes(env.Delta.Payload)
	e.U64(env.Delta.Timestamp.WallTime)
	e.U32(env.Delta.Timestamp.Counter)
	e.Bytes32(env.Delta.ExpectedRoot)
	e.U32(uint32(len(env.Events)))
	for _, ev := range env.Events {
		e.VarBytes([]byte(ev.Kind))
		e.VarBytes([]byte(ev.Handler))
		e.VarBytes(ev.Data)
	}
	return e.Bytes()
}

// DecodeEnvelope parses a broadcast envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	d := wire.NewDecoder(data)
	env := &Envelope{}
	env.ContextID = types.ContextID(d.Bytes32())
	env.Delta.ID = types.DeltaID(d.Bytes32())
	n := d.Count(wire.MaxDeltaIDsPerReq)
	for i := 0; i < n; i++ {
		env.Delta.Parents = append(env.Delta.Parents, types.DeltaID(d.Bytes32()))
	}
	env.Delta.Payload = d.VarBytes(wire.MaxDeltaPayload)
	env.Delta.Timestamp.WallTime = d.U64()
	env.Delta.Timestamp.Counter = d.U32()
	env.Delta.ExpectedRoot = types.Hash(d.Bytes32())
	ne := d.Count(128)
	for i := 0; i < ne; i++ {
		env.Events = append(env.Events, sandbox.Event{
			Kind:    string(d.VarBytes(maxEventString)),
			Handler: string(d.VarBytes(maxEventString)),
			Data:    d.VarBytes(wire.MaxDeltaPayload),
		})
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode broadcast envelope: %w", err)
	}
	return env, nil
}

// Bus abstracts the underlying pub/sub transport so the broadcaster runs
// against GossipSub in production and an in-memory bus in tests.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, fn func(data []byte)) (cancel func(), err error)
}

// Handler consumes deduplicated inbound envelopes.
type Handler func(env *Envelope)

// DefaultBufferSize is the outbound broadcast buffer bound.
const DefaultBufferSize = 1024

// dedupWindow bounds the remembered content addresses per context.
const dedupWindow = 4096

// Broadcaster publishes locally produced deltas on context-keyed topics
// and fans deduplicated inbound envelopes to the context manager.
//
// The outbound buffer is bounded; overflow drops the oldest entry and
// counts it. Dropping is safe because session-based sync reconciles any
// peer that missed a broadcast.
type Broadcaster struct {
	bus    Bus
	buffer chan *Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	seen    map[types.DeltaID]bool
	seenQ   []types.DeltaID
	cancels []func()
}

// NewBroadcaster creates a broadcaster over the given bus.
func NewBroadcaster(bus Bus, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		bus:    bus,
		buffer: make(chan *Envelope, bufferSize),
		stopCh: make(chan struct{}),
		seen:   make(map[types.DeltaID]bool),
	}
}

// Start launches the outbound pump.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.pump()
}

// Stop cancels subscriptions and stops the pump.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
}

// Publish enqueues a locally produced delta for broadcast. Overflow drops
// the oldest queued envelope.
func (b *Broadcaster) Publish(env *Envelope) {
	b.markSeen(env.Delta.ID)
	for {
		select {
		case b.buffer <- env:
			return
		case <-b.stopCh:
			return
		default:
		}
		select {
		case dropped := <-b.buffer:
			metrics.BufferDrops.Inc()
			logger := log.WithComponent("gossip")
			logger.Warn().
				Str("context_id", dropped.ContextID.String()).
				Str("delta_id", dropped.Delta.ID.String()).
				Msg("broadcast buffer full, dropping oldest")
		default:
		}
	}
}

func (b *Broadcaster) pump() {
	defer b.wg.Done()
	for {
		select {
		case env := <-b.buffer:
			data := EncodeEnvelope(env)
			if err := b.bus.Publish(context.Background(), TopicFor(env.ContextID), data); err != nil {
				logger := log.WithComponent("gossip")
				logger.Warn().Err(err).
					Str("context_id", env.ContextID.String()).
					Msg("broadcast publish failed")
			}
		case <-b.stopCh:
			return
		}
	}
}

// SubscribeContext starts consuming a context's delta topic. Envelopes
// already seen (including our own publications echoed back) are dropped by
// content address.
func (b *Broadcaster) SubscribeContext(ctx types.ContextID, handler Handler) error {
	cancel, err := b.bus.Subscribe(TopicFor(ctx), func(data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			logger := log.WithComponent("gossip")
			logger.Warn().Err(err).Msg("dropping malformed broadcast")
			return
		}
		if env.ContextID != ctx {
			return
		}
		if !b.markSeen(env.Delta.ID) {
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe context %s: %w", ctx, err)
	}

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	return nil
}

// markSeen records a content address, returning false when it was already
// known. The window is bounded FIFO.
func (b *Broadcaster) markSeen(id types.DeltaID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen[id] {
		return false
	}
	b.seen[id] = true
	b.seenQ = append(b.seenQ, id)
	if len(b.seenQ) > dedupWindow {
		evict := b.seenQ[0]
		b.seenQ = b.seenQ[1:]
		delete(b.seen, evict)
	}
	return true
}
