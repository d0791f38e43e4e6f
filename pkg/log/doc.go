/*
Package log provides structured logging for Meshsync using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	syncLog := log.WithComponent("sync-manager")
	syncLog.Info().
		Str("context_id", ctxID.String()).
		Str("peer_id", peer.String()).
		Msg("session started")

Sync sessions log with component, context_id, peer_id and session_id fields
so a single session's full message flow can be reconstructed from aggregated
logs.

# Integration Points

This package integrates with:

  - pkg/sync: session lifecycle, protocol selection, backoff decisions
  - pkg/deltas: delta application, cascade progress, handler outcomes
  - pkg/gossip: broadcast publish/receive, dedup drops
  - pkg/network: stream open/accept, peer connect/disconnect
  - pkg/contexts: context lifecycle, execution pipeline
*/
package log
