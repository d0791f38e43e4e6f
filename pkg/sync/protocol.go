package sync

import (
	"context"
	"time"

	"github.com/cuemby/meshsync/pkg/contexts"
	"github.com/cuemby/meshsync/pkg/stream"
	"github.com/cuemby/meshsync/pkg/types"
)

// Stats accumulates one session's protocol cost, fed to metrics and the
// completion event.
type Stats struct {
	RoundTrips     int
	LeafFetches    int
	EntitiesMerged int
	DeltasApplied  int
	PushPending    int // entities only the local side holds, left for the reciprocal session
}

// Budgets bounds a single session. Overruns terminate the session with a
// capacity error; the orchestrator backs off and retries later without
// switching to another protocol.
type Budgets struct {
	MaxRoundTrips  int
	MaxLeafFetches int
	MaxInFlight    int
	MaxDepth       uint32
	MaxCatchupHops int
}

// DefaultBudgets are the shipped session bounds.
var DefaultBudgets = Budgets{
	MaxRoundTrips:  256,
	MaxLeafFetches: 4096,
	MaxInFlight:    64,
	MaxDepth:       16,
	MaxCatchupHops: 16,
}

// Protocol is one sync strategy. Both roles run over an encrypted channel
// against a context handle; the responder receives the first request that
// selected it. Implementations must check ctx at every suspension point
// and leave context state untouched on cancellation.
type Protocol interface {
	Name() types.Protocol
	RunInitiator(ctx context.Context, ch *stream.Channel, h *contexts.Handle, peer types.Fingerprint) (*Stats, error)
	RunResponder(ctx context.Context, ch *stream.Channel, h *contexts.Handle, first any) error
}

// checkDeadline enforces the session wall-clock budget at suspension
// points.
func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sessionDeadline derives the per-session wall-clock budget.
func sessionDeadline(parent context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, budget)
}
