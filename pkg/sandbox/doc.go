/*
Package sandbox executes application WASM modules deterministically.

The Executor interface is what the core consumes: run a method against a
context's state, get back logs, events, a return value, a canonical state
artifact and the claimed post-root. WasmRuntime is the Wasmer-backed
implementation; each execution gets a fresh store and instance, with the
meshsync host interface (input, log, emit, mutate, return, commit_root,
consume_gas) registered under the env namespace.

Failures are typed: ErrMethodNotFound, ErrInvalidSignature, ErrTrap,
ErrOutOfGas, ErrStorageError. Nothing unwinds across the sandbox boundary.
*/
package sandbox
