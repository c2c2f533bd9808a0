// ABOUTME: Package stream turns agent output into the ordered outbound protocol.
// ABOUTME: The orchestrator drains the bridge, sequences envelopes, and persists the turn.

// Package stream is the top-level composition point of the response
// pipeline. One Orchestrator.Run call serves one user turn: it opens a
// bridge, spawns the agent computation as a background task writing
// into it, and drains the queue into strictly-ordered envelopes pushed
// to the caller's sink.
//
// Two rules shape everything here:
//
//   - Aggregation never delays delivery. Every domain event is re-emitted
//     immediately; the running content/reasoning/product/tool state only
//     shadows what already went out, for the final persistence step.
//
//   - Partial output is never saved as a complete turn. An error before
//     normal completion produces an error envelope and skips persistence
//     entirely.
//
// Client disconnect does not cancel the producer: the computation and
// persistence complete regardless, the sink just stops accepting
// envelopes.
package stream
