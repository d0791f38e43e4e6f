package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the sync failure taxonomy. The orchestrator
// routes retry, backoff and peer-reputation decisions on the kind alone.
type Kind string

const (
	// KindTransport covers peer disconnects, read timeouts and oversize
	// frames. Retryable after backoff.
	KindTransport Kind = "transport"
	// KindCrypto covers decryption failures, nonce gaps and invalid
	// signatures. Terminal for the session; the peer earns a strike.
	KindCrypto Kind = "crypto"
	// KindProtocol covers phase violations, exceeded bounds and malformed
	// payloads. Terminal for the session; the peer earns a strike.
	KindProtocol Kind = "protocol"
	// KindIntegrity covers hash mismatches on recomputation and post-root
	// mismatches on delta application. Never recoverable by retry; the
	// offending artifact is discarded and local state is preserved.
	KindIntegrity Kind = "integrity"
	// KindCapacity covers tripped budget, round-trip and entity limits.
	// Retryable after backoff; the orchestrator does not switch to a
	// different protocol, and the next session runs the selector again.
	KindCapacity Kind = "capacity"
	// KindOracle covers configuration oracle failures. The session aborts
	// without mutating local state and the orchestrator retries later.
	KindOracle Kind = "oracle"
)

// Error is a kind-tagged error. Every fallible sync operation surfaces one
// so callers can dispatch on taxonomy instead of string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kind-tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindTransport, the retryable default.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransport
}

// Retryable reports whether the orchestrator should schedule a retry after
// backoff for this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindCapacity, KindOracle:
		return true
	default:
		return false
	}
}

// Strike reports whether the error should count against the peer's
// reputation for the context.
func Strike(err error) bool {
	switch KindOf(err) {
	case KindCrypto, KindProtocol:
		return true
	default:
		return false
	}
}
