package sandbox

import (
	"context"
	"errors"

	"github.com/cuemby/meshsync/pkg/types"
)

// Typed execution failures. Callers dispatch with errors.Is; nothing else
// about a failed execution is load-bearing.
var (
	ErrMethodNotFound   = errors.New("sandbox: method not found")
	ErrInvalidSignature = errors.New("sandbox: method signature invalid")
	ErrTrap             = errors.New("sandbox: execution trapped")
	ErrOutOfGas         = errors.New("sandbox: out of gas")
	ErrStorageError     = errors.New("sandbox: storage access failed")
)

// Event is one application event emitted during execution. A non-empty
// Handler names a method the runtime re-invokes after the producing delta
// applies; handler failures are logged, never fatal.
type Event struct {
	Kind    string
	Handler string
	Data    []byte
}

// Outcome is everything a deterministic execution produces.
type Outcome struct {
	Logs          []string
	Events        []Event
	ReturnValue   []byte
	StateArtifact []byte // canonical mutation batch, becomes the delta payload
	NewRoot       types.Hash
}

// Limits bounds one execution.
type Limits struct {
	MaxGas uint64
}

// DefaultLimits applies when the caller passes the zero value.
var DefaultLimits = Limits{MaxGas: 100_000_000}

// StateReader gives the guest read access to the context's current leaf
// state. Writes never go through it; the guest records mutations through
// the host interface and the runtime applies them after the fact.
type StateReader interface {
	Leaf(id types.EntityID) ([]byte, bool)
}

// Env carries the identity and state context an execution runs under.
type Env struct {
	ContextID types.ContextID
	Executor  types.PublicKey
	State     StateReader
}

// Executor runs application methods deterministically against a context's
// state. The core invokes it for method calls submitted by callers and for
// event handlers; it never invokes it during delta application, which
// replays the recorded state artifact instead.
type Executor interface {
	Execute(ctx context.Context, module []byte, method string, input []byte, env Env, limits Limits) (*Outcome, error)
}
