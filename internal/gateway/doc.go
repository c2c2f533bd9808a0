// Package gateway is the composition root: it wires the store, the
// connection registry, the socket hub, the handoff service, and the
// stream orchestrator behind one HTTP server.
//
// The HTTP surface:
//
//	GET  /health                                  liveness
//	GET  /health/ready                            readiness (probes the store)
//	POST /api/chat/stream                         one assistant turn, NDJSON envelopes
//	GET  /api/conversations/{id}/messages         message history
//	GET  /ws/user/{conversation_id}               user websocket
//	GET  /ws/agent/{conversation_id}              operator websocket
package gateway
