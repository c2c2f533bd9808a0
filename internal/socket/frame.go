// ABOUTME: Socket frame type, action vocabulary, and error codes.
// ABOUTME: Every frame on the wire in either direction uses this envelope.

package socket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameVersion is the protocol version stamped on every frame.
const FrameVersion = 1

// Inbound actions (client → server).
const (
	ActionPing = "system.ping"

	ActionUserSendMessage    = "client.user.send_message"
	ActionUserTyping         = "client.user.typing"
	ActionUserRead           = "client.user.read"
	ActionUserRequestHandoff = "client.user.request_handoff"

	ActionAgentSendMessage   = "client.agent.send_message"
	ActionAgentTyping        = "client.agent.typing"
	ActionAgentRead          = "client.agent.read"
	ActionAgentStartHandoff  = "client.agent.start_handoff"
	ActionAgentAcceptHandoff = "client.agent.accept_handoff"
	ActionAgentEndHandoff    = "client.agent.end_handoff"
	ActionAgentTransfer      = "client.agent.transfer"
)

// Outbound actions (server → client).
const (
	ActionPong      = "system.pong"
	ActionAck       = "system.ack"
	ActionError     = "system.error"
	ActionConnected = "system.connected"

	ActionServerMessage           = "server.message"
	ActionServerStream            = "server.stream"
	ActionServerTyping            = "server.typing"
	ActionServerReadReceipt       = "server.read_receipt"
	ActionServerHandoffRequested  = "server.handoff_requested"
	ActionServerHandoffStarted    = "server.handoff_started"
	ActionServerHandoffEnded      = "server.handoff_ended"
	ActionServerUserOnline        = "server.user_online"
	ActionServerUserOffline       = "server.user_offline"
	ActionServerAgentOnline       = "server.agent_online"
	ActionServerAgentOffline      = "server.agent_offline"
	ActionServerConversationState = "server.conversation_state"
)

// Error codes carried in the error field of a system.error frame.
const (
	CodeInvalidAction    = "INVALID_ACTION"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeHandoffRejected  = "HANDOFF_REJECTED"
	CodeNotHandoffOwner  = "NOT_HANDOFF_OWNER"
	CodeHandoffNotActive = "HANDOFF_NOT_ACTIVE"
)

// FrameError is the structured error attached to a system.error frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Frame is the bidirectional socket envelope.
type Frame struct {
	V              int            `json:"v"`
	ID             string         `json:"id"`
	TS             int64          `json:"ts"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	Error          *FrameError    `json:"error,omitempty"`
}

// NewFrame builds an outbound frame with a fresh id and current timestamp.
func NewFrame(action, conversationID string, payload map[string]any) *Frame {
	return &Frame{
		V:              FrameVersion,
		ID:             uuid.New().String(),
		TS:             time.Now().UnixMilli(),
		Action:         action,
		Payload:        payload,
		ConversationID: conversationID,
	}
}

// AckFrame acknowledges a processed inbound frame.
func AckFrame(replyTo string) *Frame {
	f := NewFrame(ActionAck, "", nil)
	f.ReplyTo = replyTo
	return f
}

// PongFrame answers a ping.
func PongFrame(replyTo string) *Frame {
	f := NewFrame(ActionPong, "", nil)
	f.ReplyTo = replyTo
	return f
}

// ErrorFrame reports a protocol or business error back to the sender,
// referencing the offending frame's id.
func ErrorFrame(replyTo, code, message, detail string) *Frame {
	f := NewFrame(ActionError, "", nil)
	f.ReplyTo = replyTo
	f.Error = &FrameError{Code: code, Message: message, Detail: detail}
	return f
}

// Encode serializes the frame for transport.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
