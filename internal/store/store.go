// ABOUTME: Store interface and data types for chat-gateway persistence.
// ABOUTME: Defines Conversation, Message and the handoff transition contract.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTransitionRejected is returned when a handoff transition finds the
// conversation in a state outside the allowed source set. The returned
// Conversation carries the current state so callers can report it.
var ErrTransitionRejected = errors.New("handoff transition rejected: state already changed")

// HandoffState is the conversation-level control state.
type HandoffState string

const (
	// HandoffAI is the initial/default state: the automated agent answers.
	HandoffAI HandoffState = "ai"
	// HandoffPending means the user requested human help and no operator
	// has attached yet.
	HandoffPending HandoffState = "pending"
	// HandoffHuman means an operator is actively handling the conversation.
	HandoffHuman HandoffState = "human"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAgent     = "agent" // human operator
	RoleSystem    = "system"
)

// Conversation is the persisted conversation record. handoff_operator is
// non-null iff handoff_state is human; the schema enforces it.
type Conversation struct {
	ID              string
	HandoffState    HandoffState
	HandoffOperator *string
	HandoffReason   *string
	HandoffAt       *time.Time
	UserOnline      bool
	AgentOnline     bool
	UserLastSeen    *time.Time
	AgentLastSeen   *time.Time
	CurrentAgentID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is one persisted message of a conversation. Products and
// ToolCalls hold JSON as produced by the orchestrator; the store does
// not interpret them.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Products       json.RawMessage
	ToolCalls      json.RawMessage
	LatencyMS      int64
	IsDelivered    bool
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	ReadBy         string
	CreatedAt      time.Time
}

// Transition describes one guarded handoff state change. From lists the
// states the conversation may currently be in; anything else rejects.
// When ExpectedOperator is set, the transition also rejects unless the
// conversation is currently owned by that operator — the check runs on
// the in-transaction read, so a concurrent transfer cannot slip between
// a caller's stale view and the write.
type Transition struct {
	ConversationID   string
	From             []HandoffState
	To               HandoffState
	Operator         *string // required iff To == HandoffHuman
	Reason           *string
	ExpectedOperator *string
	// PreserveReason carries the current handoff_reason forward instead
	// of overwriting it with Reason.
	PreserveReason bool
}

// Store defines the persistence surface the streaming core depends on.
type Store interface {
	// Conversations
	GetOrCreateConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	TransitionHandoff(ctx context.Context, t Transition) (*Conversation, error)
	SetPresence(ctx context.Context, conversationID, role string, online bool, at time.Time) error
	SetCurrentAgent(ctx context.Context, conversationID, agentID string) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ListUndelivered(ctx context.Context, conversationID string) ([]*Message, error)
	MarkDelivered(ctx context.Context, ids []string) (int64, error)
	MarkRead(ctx context.Context, ids []string, reader string) (int64, time.Time, error)

	// Close releases any resources held by the store.
	Close() error
}
