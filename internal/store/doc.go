// ABOUTME: Package store persists conversations and messages for chat-gateway.
// ABOUTME: Defines the Store interface and its SQLite implementation.

// Package store owns the two durable records of the streaming core:
// conversations (with their handoff state) and messages.
//
// Everything else in the system is rebuilt from zero on restart:
// connections, bridges, in-flight streams. The store is deliberately
// narrow: two tables, no caches, no denormalized views.
//
// Handoff transitions go through TransitionHandoff, a guarded
// read-modify-write inside one transaction. Callers must treat
// ErrTransitionRejected as a normal, retryable outcome: it means the
// state changed underneath them, not that anything is broken.
//
// Delivery and read flags are monotonic. MarkDelivered and MarkRead
// only touch rows where the flag is still unset, so re-delivery
// attempts are idempotent and already-delivered ids count as no-ops.
package store
