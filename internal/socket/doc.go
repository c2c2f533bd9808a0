// Package socket implements the duplex websocket layer: the frame
// protocol shared by user and agent clients, schema-validated inbound
// dispatch, and the connection lifecycle (presence, redelivery,
// handoff relay).
package socket
