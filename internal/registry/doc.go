// ABOUTME: Package registry tracks live duplex connections per conversation.
// ABOUTME: Supports role-scoped multicast with per-connection failure isolation.

// Package registry is pure in-memory state: every live socket
// connection, indexed by connection id, by conversation id, and by
// identity. The three indices are mutated together under one coarse
// mutex so readers never observe a torn view.
//
// The lock covers index mutation only — never a send. Multicast
// snapshots the matching connections under the lock, releases it, then
// sends to each connection independently. A failing send marks that
// connection dead and removes it; delivery to the others continues.
// One bad socket must never block the rest.
//
// Nothing here is persisted. State is rebuilt from zero on restart, and
// "connection not found" is a normal disconnect race, not an error.
package registry
