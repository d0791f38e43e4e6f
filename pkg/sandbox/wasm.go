package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/meshsync/pkg/merkle"
	"github.com/cuemby/meshsync/pkg/types"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// WasmRuntime executes application modules under Wasmer. One engine is
// shared; each execution gets a fresh store and instance so no state leaks
// between calls and determinism holds.
type WasmRuntime struct {
	engine *wasmer.Engine
}

// NewWasmRuntime creates the shared engine.
func NewWasmRuntime() *WasmRuntime {
	return &WasmRuntime{engine: wasmer.NewEngine()}
}

// hostState accumulates everything the guest reports through host imports
// during one execution.
type hostState struct {
	mem       *wasmer.Memory
	input     []byte
	state     StateReader
	logs      []string
	events    []Event
	mutations []merkle.Mutation
	ret       []byte
	root      types.Hash
	gasUsed   uint64
	gasLimit  uint64
	gasDry    bool
}

func (w *WasmRuntime) Execute(ctx context.Context, module []byte, method string, input []byte, env Env, limits Limits) (*Outcome, error) {
	if limits == (Limits{}) {
		limits = DefaultLimits
	}

	store := wasmer.NewStore(w.engine)
	mod, err := wasmer.NewModule(store, module)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrTrap, err)
	}

	hs := &hostState{input: input, state: env.State, gasLimit: limits.MaxGas}
	imports := registerHost(store, hs)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", ErrTrap, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("%w: memory export missing", ErrInvalidSignature)
	}
	hs.mem = mem

	fn, err := instance.Exports.GetFunction(method)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}

	done := make(chan error, 1)
	go func() {
		_, callErr := fn()
		done <- callErr
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: cancelled: %v", ErrTrap, ctx.Err())
	case err = <-done:
	}

	if hs.gasDry {
		return nil, ErrOutOfGas
	}
	if err != nil {
		if strings.Contains(err.Error(), "storage") {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTrap, err)
	}

	return &Outcome{
		Logs:          hs.logs,
		Events:        hs.events,
		ReturnValue:   hs.ret,
		StateArtifact: merkle.EncodeArtifact(hs.mutations),
		NewRoot:       hs.root,
	}, nil
}

// registerHost exposes the meshsync host interface to the guest under the
// "env" namespace. All pointers are guest-linear-memory offsets.
func registerHost(store *wasmer.Store, hs *hostState) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	read := func(ptr, ln int32) []byte {
		data := hs.mem.Data()
		if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
			return nil
		}
		out := make([]byte, ln)
		copy(out, data[ptr:ptr+ln])
		return out
	}
	write := func(ptr int32, data []byte) {
		mem := hs.mem.Data()
		if ptr >= 0 && int(ptr)+len(data) <= len(mem) {
			copy(mem[ptr:], data)
		}
	}

	i32 := wasmer.ValueKind(wasmer.I32)
	i64 := wasmer.ValueKind(wasmer.I64)

	fnType := func(params, results []wasmer.ValueKind, f func([]wasmer.Value) ([]wasmer.Value, error)) *wasmer.Function {
		return wasmer.NewFunction(store, wasmer.NewFunctionType(
			wasmer.NewValueTypes(params...),
			wasmer.NewValueTypes(results...),
		), f)
	}

	ns := map[string]wasmer.IntoExtern{
		// consume_gas(amount u64) -> i32(0|-1)
		"meshsync_consume_gas": fnType([]wasmer.ValueKind{i64}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			hs.gasUsed += uint64(args[0].I64())
			if hs.gasUsed > hs.gasLimit {
				hs.gasDry = true
				return []wasmer.Value{wasmer.NewI32(-1)}, fmt.Errorf("gas limit exceeded")
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		}),

		// input_len() -> i32
		"meshsync_input_len": fnType(nil, []wasmer.ValueKind{i32}, func([]wasmer.Value) ([]wasmer.Value, error) {
			return []wasmer.Value{wasmer.NewI32(int32(len(hs.input)))}, nil
		}),

		// input_read(dst_ptr)
		"meshsync_input_read": fnType([]wasmer.ValueKind{i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			write(args[0].I32(), hs.input)
			return nil, nil
		}),

		// state_read(id_ptr, dst_ptr) -> i32(len | -1 when absent). The
		// guest allocates from state_len first.
		"meshsync_state_read": fnType([]wasmer.ValueKind{i32, i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			if hs.state == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			var id types.EntityID
			copy(id[:], read(args[0].I32(), types.IDSize))
			payload, ok := hs.state.Leaf(id)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			write(args[1].I32(), payload)
			return []wasmer.Value{wasmer.NewI32(int32(len(payload)))}, nil
		}),

		// state_len(id_ptr) -> i32(len | -1 when absent)
		"meshsync_state_len": fnType([]wasmer.ValueKind{i32}, []wasmer.ValueKind{i32}, func(args []wasmer.Value) ([]wasmer.Value, error) {
			if hs.state == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			var id types.EntityID
			copy(id[:], read(args[0].I32(), types.IDSize))
			payload, ok := hs.state.Leaf(id)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(payload)))}, nil
		}),

		// log(ptr, len)
		"meshsync_log": fnType([]wasmer.ValueKind{i32, i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			hs.logs = append(hs.logs, string(read(args[0].I32(), args[1].I32())))
			return nil, nil
		}),

		// emit(kind_ptr, kind_len, handler_ptr, handler_len, data_ptr, data_len)
		"meshsync_emit": fnType([]wasmer.ValueKind{i32, i32, i32, i32, i32, i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			hs.events = append(hs.events, Event{
				Kind:    string(read(args[0].I32(), args[1].I32())),
				Handler: string(read(args[2].I32(), args[3].I32())),
				Data:    read(args[4].I32(), args[5].I32()),
			})
			return nil, nil
		}),

		// mutate(parent_ptr, id_ptr, is_leaf, payload_ptr, payload_len)
		"meshsync_mutate": fnType([]wasmer.ValueKind{i32, i32, i32, i32, i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			var mut merkle.Mutation
			copy(mut.Parent[:], read(args[0].I32(), types.IDSize))
			copy(mut.ID[:], read(args[1].I32(), types.IDSize))
			mut.IsLeaf = args[2].I32() != 0
			mut.Payload = read(args[3].I32(), args[4].I32())
			hs.mutations = append(hs.mutations, mut)
			return nil, nil
		}),

		// return_value(ptr, len)
		"meshsync_return": fnType([]wasmer.ValueKind{i32, i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			hs.ret = read(args[0].I32(), args[1].I32())
			return nil, nil
		}),

		// commit_root(ptr) — the guest's claim of the post-execution root
		"meshsync_commit_root": fnType([]wasmer.ValueKind{i32}, nil, func(args []wasmer.Value) ([]wasmer.Value, error) {
			copy(hs.root[:], read(args[0].I32(), types.IDSize))
			return nil, nil
		}),
	}

	imports.Register("env", ns)
	return imports
}
