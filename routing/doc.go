// Package routing implements the store-and-forward delivery engine for
// agent-to-agent messages.
//
// The durable FileTransport is ground truth: one JSON file per message
// per directory role under Messages/, with atomic renames driving every
// state change. BestEffortTransport layers an optional pub/sub channel
// on top of it for real-time nudges and never lets a publish failure
// mask a durable result.
//
// The Router ties the pieces together:
//   - Deduplicator drops replayed message ids
//   - DeadLetterQueue preserves undeliverable, corrupt and expired
//     messages for operator inspection and manual retry
//   - TTLEnforcer sweeps inboxes eagerly on every receive
//
// Received batches are always deduplicated, non-expired,
// integrity-verified and ordered by priority.
package routing
