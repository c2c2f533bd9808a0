// ABOUTME: Package event defines the domain events produced by the agent pipeline
// ABOUTME: and the bounded bridge that carries them to the stream orchestrator.

// Package event is the boundary between agent computation and the
// outbound response protocol.
//
// The agent pipeline emits loosely-typed (type, payload) pairs because
// its event vocabulary grows organically. Those pairs exist in raw form
// only inside the Bridge; the consumer decodes each one exactly once
// into the closed Event union, so everything downstream of the bridge
// is statically typed.
//
// A Bridge is created per stream instance and is never shared: it has
// exactly one producer (the agent task) and one consumer (the
// orchestrator). Emit blocks when the queue is full — backpressure is
// the contract, dropping an event would silently truncate the
// user-visible answer.
package event
