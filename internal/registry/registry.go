// ABOUTME: Connection registry with id/conversation/identity indices under one lock.
// ABOUTME: Multicast sends happen outside the lock; failures evict only the bad connection.

package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role classifies a connection for multicast scoping.
type Role string

const (
	// RoleUser is an end-user connection.
	RoleUser Role = "user"
	// RoleAgent is a human-operator connection.
	RoleAgent Role = "agent"
)

// Sender is the transport side of a connection. Send may block on
// transport backpressure; an error means the connection is unusable.
// Close tears down the transport and must be safe to call more than
// once.
type Sender interface {
	Send(data []byte) error
	Close()
}

// Connection is one live duplex connection. Created on socket accept,
// destroyed on disconnect or send failure, never persisted.
type Connection struct {
	ID             string
	ConversationID string
	Role           Role
	Identity       string
	ConnectedAt    time.Time

	sender Sender
}

// Send forwards data to the connection's transport.
func (c *Connection) Send(data []byte) error {
	return c.sender.Send(data)
}

// Close tears down the connection's transport.
func (c *Connection) Close() {
	c.sender.Close()
}

// Registry tracks all live connections. All three indices are kept in
// sync under a single mutex.
type Registry struct {
	mu             sync.Mutex
	byID           map[string]*Connection
	byConversation map[string]map[string]*Connection
	byIdentity     map[string]map[string]*Connection
	logger         *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:           make(map[string]*Connection),
		byConversation: make(map[string]map[string]*Connection),
		byIdentity:     make(map[string]map[string]*Connection),
		logger:         logger.With("component", "registry"),
	}
}

// Connect registers a new connection with a fresh id and returns it.
func (r *Registry) Connect(conversationID string, role Role, identity string, sender Sender) *Connection {
	conn := &Connection{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Identity:       identity,
		ConnectedAt:    time.Now(),
		sender:         sender,
	}

	r.mu.Lock()
	r.byID[conn.ID] = conn
	if r.byConversation[conversationID] == nil {
		r.byConversation[conversationID] = make(map[string]*Connection)
	}
	r.byConversation[conversationID][conn.ID] = conn
	if r.byIdentity[identity] == nil {
		r.byIdentity[identity] = make(map[string]*Connection)
	}
	r.byIdentity[identity][conn.ID] = conn
	total := len(r.byID)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"conversation_id", conversationID,
		"role", role,
		"identity", identity,
		"total_connections", total,
	)
	return conn
}

// Disconnect removes a connection from all indices. Returns the removed
// connection, or nil if it was already gone (a normal race).
func (r *Registry) Disconnect(id string) *Connection {
	r.mu.Lock()
	conn := r.removeLocked(id)
	r.mu.Unlock()

	if conn != nil {
		r.logger.Info("connection removed",
			"connection_id", id,
			"conversation_id", conn.ConversationID,
			"role", conn.Role,
		)
	}
	return conn
}

// removeLocked deletes the connection from all three indices.
// Must be called with mu held.
func (r *Registry) removeLocked(id string) *Connection {
	conn, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)

	if convs := r.byConversation[conn.ConversationID]; convs != nil {
		delete(convs, id)
		if len(convs) == 0 {
			delete(r.byConversation, conn.ConversationID)
		}
	}
	if idents := r.byIdentity[conn.Identity]; idents != nil {
		delete(idents, id)
		if len(idents) == 0 {
			delete(r.byIdentity, conn.Identity)
		}
	}
	return conn
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// Connections returns all live connections of a conversation.
func (r *Registry) Connections(conversationID string) []*Connection {
	return r.snapshot(conversationID, "", "")
}

// RoleConnections returns the live connections of a conversation
// matching the given role.
func (r *Registry) RoleConnections(conversationID string, role Role) []*Connection {
	return r.snapshot(conversationID, role, "")
}

// IdentityConnections returns all live connections of one identity
// across conversations.
func (r *Registry) IdentityConnections(identity string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.byIdentity[identity]))
	for _, conn := range r.byIdentity[identity] {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// SendToRole delivers data to every connection of a conversation
// matching role. A failure on one connection evicts it and does not
// stop delivery to the others. Returns the number of successful sends.
func (r *Registry) SendToRole(conversationID string, role Role, data []byte) int {
	return r.deliver(r.snapshot(conversationID, role, ""), data)
}

// Broadcast delivers data to every connection of a conversation,
// optionally excluding one role. Returns the number of successful sends.
func (r *Registry) Broadcast(conversationID string, data []byte, excludeRole Role) int {
	return r.deliver(r.snapshot(conversationID, "", excludeRole), data)
}

// snapshot copies the matching connections under the lock so sends can
// happen outside it.
func (r *Registry) snapshot(conversationID string, role Role, excludeRole Role) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs := r.byConversation[conversationID]
	conns := make([]*Connection, 0, len(convs))
	for _, conn := range convs {
		if role != "" && conn.Role != role {
			continue
		}
		if excludeRole != "" && conn.Role == excludeRole {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// deliver sends to each connection independently, evicting any that fail.
func (r *Registry) deliver(conns []*Connection, data []byte) int {
	sent := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			r.logger.Warn("send failed, removing connection",
				"connection_id", conn.ID,
				"conversation_id", conn.ConversationID,
				"role", conn.Role,
				"error", err,
			)
			r.mu.Lock()
			r.removeLocked(conn.ID)
			r.mu.Unlock()
			// An evicted connection must not linger as a half-open
			// transport still feeding the read side.
			conn.Close()
			continue
		}
		sent++
	}
	return sent
}
