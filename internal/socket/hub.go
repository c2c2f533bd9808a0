// ABOUTME: Socket hub: HTTP upgrade endpoints per role, action handlers,
// ABOUTME: presence bookkeeping, and undelivered-message replay on agent connect.

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/embedease/chat-gateway/internal/dedupe"
	"github.com/embedease/chat-gateway/internal/handoff"
	"github.com/embedease/chat-gateway/internal/registry"
	"github.com/embedease/chat-gateway/internal/store"
)

// Notifier is told about user messages that no human will handle, so
// the assistant pipeline can pick them up. Failures are logged, never
// surfaced to the user connection.
type Notifier interface {
	UserMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error
}

// Authenticator resolves an HTTP upgrade request to an identity.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Hub owns the websocket endpoints and wires inbound actions to the
// store, the handoff service, and the connection registry.
type Hub struct {
	registry *registry.Registry
	store    store.Store
	handoff  *handoff.Service
	router   *Router
	notifier Notifier
	auth     Authenticator
	origins  []string
	logger   *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithNotifier sets the assistant-pipeline notifier.
func WithNotifier(n Notifier) HubOption {
	return func(h *Hub) { h.notifier = n }
}

// WithOriginPatterns sets the allowed websocket origins. Default "*".
func WithOriginPatterns(patterns []string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub creates a hub and registers every inbound action.
func NewHub(reg *registry.Registry, st store.Store, ho *handoff.Service, auth Authenticator, replays *dedupe.Cache, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		registry: reg,
		store:    st,
		handoff:  ho,
		auth:     auth,
		origins:  []string{"*"},
		logger:   logger.With("component", "socket"),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := NewRouter(replays, logger)
	r.Handle(ActionPing, "", h.handlePing)

	r.Handle(ActionUserSendMessage, sendMessageSchema, requireRole(registry.RoleUser, h.handleUserSendMessage))
	r.Handle(ActionUserTyping, typingSchema, requireRole(registry.RoleUser, h.handleTyping))
	r.Handle(ActionUserRead, readSchema, requireRole(registry.RoleUser, h.handleRead))
	r.Handle(ActionUserRequestHandoff, requestHandoffSchema, requireRole(registry.RoleUser, h.handleRequestHandoff))

	r.Handle(ActionAgentSendMessage, sendMessageSchema, requireRole(registry.RoleAgent, h.handleAgentSendMessage))
	r.Handle(ActionAgentTyping, typingSchema, requireRole(registry.RoleAgent, h.handleTyping))
	r.Handle(ActionAgentRead, readSchema, requireRole(registry.RoleAgent, h.handleRead))
	r.Handle(ActionAgentStartHandoff, startHandoffSchema, requireRole(registry.RoleAgent, h.handleStartHandoff))
	r.Handle(ActionAgentAcceptHandoff, acceptHandoffSchema, requireRole(registry.RoleAgent, h.handleAcceptHandoff))
	r.Handle(ActionAgentEndHandoff, endHandoffSchema, requireRole(registry.RoleAgent, h.handleEndHandoff))
	r.Handle(ActionAgentTransfer, transferSchema, requireRole(registry.RoleAgent, h.handleTransfer))
	h.router = r

	return h
}

// requireRole rejects an action sent by a connection of the wrong role.
func requireRole(role registry.Role, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, sess *Session, frame *Frame) error {
		if sess.Role() != role {
			return &DomainError{
				Code:    CodeInvalidAction,
				Message: "action not allowed for role",
				Detail:  string(sess.Role()),
			}
		}
		return fn(ctx, sess, frame)
	}
}

// HandleUser upgrades a user connection on /ws/user/{conversation_id}.
func (h *Hub) HandleUser(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.RoleUser)
}

// HandleAgent upgrades an agent connection on /ws/agent/{conversation_id}.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.RoleAgent)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role registry.Role) {
	conversationID := r.PathValue("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation id required", http.StatusBadRequest)
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conv, err := h.store.GetOrCreateConversation(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation",
			"conversation_id", conversationID,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	sess := newSession(ws, h.logger)
	conn := h.registry.Connect(conversationID, role, identity, sess)
	sess.bind(conn)

	ctx := r.Context()
	now := time.Now().UTC()
	if err := h.store.SetPresence(ctx, conversationID, string(role), true, now); err != nil {
		h.logger.Warn("presence update failed",
			"conversation_id", conversationID,
			"error", err,
		)
	}
	if role == registry.RoleAgent {
		if err := h.store.SetCurrentAgent(ctx, conversationID, identity); err != nil {
			h.logger.Warn("current agent update failed",
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}

	if err := sess.SendFrame(NewFrame(ActionConnected, conversationID, map[string]any{
		"connection_id": conn.ID,
		"role":          string(role),
		"identity":      identity,
		"handoff_state": string(conv.HandoffState),
	})); err != nil {
		h.logger.Warn("connected frame failed", "connection_id", conn.ID, "error", err)
	}

	h.broadcastPresence(conversationID, role, identity, true)

	go sess.writePump(ctx)

	if role == registry.RoleAgent {
		h.redeliver(ctx, sess, conversationID)
	}

	h.logger.Info("connection opened",
		"connection_id", conn.ID,
		"conversation_id", conversationID,
		"role", string(role),
		"identity", identity,
	)

	sess.readPump(ctx, h.router)

	h.registry.Disconnect(conn.ID)
	sess.close()

	// The request context may already be tearing down; presence still
	// has to be recorded.
	cctx := context.WithoutCancel(ctx)
	if err := h.store.SetPresence(cctx, conversationID, string(role), false, time.Now().UTC()); err != nil {
		h.logger.Warn("presence update failed",
			"conversation_id", conversationID,
			"error", err,
		)
	}
	h.broadcastPresence(conversationID, role, identity, false)

	h.logger.Info("connection closed",
		"connection_id", conn.ID,
		"conversation_id", conversationID,
		"role", string(role),
	)
}

// redeliver replays messages the agent side never received. Only
// successfully queued frames are marked delivered.
func (h *Hub) redeliver(ctx context.Context, sess *Session, conversationID string) {
	msgs, err := h.store.ListUndelivered(ctx, conversationID)
	if err != nil {
		h.logger.Error("redelivery query failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	var delivered []string
	for _, msg := range msgs {
		if msg.Role != store.RoleUser {
			continue
		}
		if err := sess.SendFrame(NewFrame(ActionServerMessage, conversationID, messagePayload(msg))); err != nil {
			break
		}
		delivered = append(delivered, msg.ID)
	}
	if len(delivered) == 0 {
		return
	}

	n, err := h.store.MarkDelivered(ctx, delivered)
	if err != nil {
		h.logger.Error("mark delivered failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}
	h.logger.Info("redelivered messages",
		"conversation_id", conversationID,
		"count", n,
	)
}

func (h *Hub) handlePing(_ context.Context, sess *Session, frame *Frame) error {
	return sess.SendFrame(PongFrame(frame.ID))
}

func (h *Hub) handleUserSendMessage(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return mapStoreErr(err)
	}

	msg := &store.Message{
		ID:             messageID(frame.Payload),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        payloadString(frame.Payload, "content"),
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	// Delivered means an agent connection actually received it; the
	// flag is set only after a successful send and is redeemed by
	// redelivery on the next agent connect otherwise.
	data := mustEncode(NewFrame(ActionServerMessage, conversationID, messagePayload(msg)))
	if n := h.registry.SendToRole(conversationID, registry.RoleAgent, data); n > 0 {
		if _, err := h.store.MarkDelivered(ctx, []string{msg.ID}); err != nil {
			h.logger.Error("mark delivered failed", "message_id", msg.ID, "error", err)
		}
	}

	if conv.HandoffState != store.HandoffHuman && h.notifier != nil {
		if err := h.notifier.UserMessage(ctx, conv, msg); err != nil {
			h.logger.Error("notifier failed",
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (h *Hub) handleAgentSendMessage(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	msg := &store.Message{
		ID:             messageID(frame.Payload),
		ConversationID: conversationID,
		Role:           store.RoleAgent,
		Content:        payloadString(frame.Payload, "content"),
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting agent message: %w", err)
	}

	data := mustEncode(NewFrame(ActionServerMessage, conversationID, messagePayload(msg)))
	if n := h.registry.SendToRole(conversationID, registry.RoleUser, data); n > 0 {
		if _, err := h.store.MarkDelivered(ctx, []string{msg.ID}); err != nil {
			h.logger.Error("mark delivered failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// handleTyping relays a typing indicator to the opposite role. Nothing
// is persisted; a lost indicator is harmless.
func (h *Hub) handleTyping(_ context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	data := mustEncode(NewFrame(ActionServerTyping, conversationID, map[string]any{
		"role":      string(sess.Role()),
		"identity":  sess.Identity(),
		"is_typing": payloadBool(frame.Payload, "is_typing"),
	}))
	h.registry.SendToRole(conversationID, opposite(sess.Role()), data)
	return nil
}

func (h *Hub) handleRead(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	ids := payloadStrings(frame.Payload, "message_ids")

	n, readAt, err := h.store.MarkRead(ctx, ids, sess.Identity())
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	if n == 0 {
		// Every id was already read; nothing to relay.
		return nil
	}

	data := mustEncode(NewFrame(ActionServerReadReceipt, conversationID, map[string]any{
		"message_ids": ids,
		"read_by":     sess.Identity(),
		"read_at":     readAt.UnixMilli(),
	}))
	h.registry.SendToRole(conversationID, opposite(sess.Role()), data)
	return nil
}

func (h *Hub) handleRequestHandoff(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	reason := payloadString(frame.Payload, "reason")

	conv, err := h.handoff.Request(ctx, conversationID, reason)
	if err != nil {
		return mapHandoffErr(err)
	}

	data := mustEncode(NewFrame(ActionServerHandoffRequested, conversationID, map[string]any{
		"reason": reason,
	}))
	h.registry.SendToRole(conversationID, registry.RoleAgent, data)
	h.broadcastState(conv)
	return nil
}

func (h *Hub) handleStartHandoff(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	reason := payloadString(frame.Payload, "reason")

	conv, err := h.handoff.Start(ctx, conversationID, sess.Identity(), reason)
	if err != nil {
		return mapHandoffErr(err)
	}

	h.broadcastHandoffStarted(conv, sess.Identity(), reason, "")
	return nil
}

func (h *Hub) handleAcceptHandoff(ctx context.Context, sess *Session, _ *Frame) error {
	conversationID := sess.ConversationID()

	conv, err := h.handoff.Accept(ctx, conversationID, sess.Identity())
	if err != nil {
		return mapHandoffErr(err)
	}

	h.broadcastHandoffStarted(conv, sess.Identity(), deref(conv.HandoffReason), "")
	return nil
}

func (h *Hub) handleEndHandoff(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	summary := payloadString(frame.Payload, "summary")

	conv, err := h.handoff.End(ctx, conversationID, sess.Identity(), summary)
	if err != nil {
		return mapHandoffErr(err)
	}

	data := mustEncode(NewFrame(ActionServerHandoffEnded, conversationID, map[string]any{
		"operator": sess.Identity(),
		"summary":  summary,
	}))
	h.registry.Broadcast(conversationID, data, "")
	h.broadcastState(conv)
	return nil
}

func (h *Hub) handleTransfer(ctx context.Context, sess *Session, frame *Frame) error {
	conversationID := sess.ConversationID()
	to := payloadString(frame.Payload, "to_operator")

	conv, err := h.handoff.Transfer(ctx, conversationID, sess.Identity(), to)
	if err != nil {
		return mapHandoffErr(err)
	}

	h.broadcastHandoffStarted(conv, to, deref(conv.HandoffReason), sess.Identity())
	return nil
}

func (h *Hub) broadcastHandoffStarted(conv *store.Conversation, operator, reason, transferredFrom string) {
	payload := map[string]any{
		"operator": operator,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if transferredFrom != "" {
		payload["transferred_from"] = transferredFrom
	}
	data := mustEncode(NewFrame(ActionServerHandoffStarted, conv.ID, payload))
	h.registry.Broadcast(conv.ID, data, "")
	h.broadcastState(conv)
}

func (h *Hub) broadcastState(conv *store.Conversation) {
	data := mustEncode(NewFrame(ActionServerConversationState, conv.ID, statePayload(conv)))
	h.registry.Broadcast(conv.ID, data, "")
}

func (h *Hub) broadcastPresence(conversationID string, role registry.Role, identity string, online bool) {
	var action string
	switch {
	case role == registry.RoleUser && online:
		action = ActionServerUserOnline
	case role == registry.RoleUser:
		action = ActionServerUserOffline
	case online:
		action = ActionServerAgentOnline
	default:
		action = ActionServerAgentOffline
	}
	data := mustEncode(NewFrame(action, conversationID, map[string]any{
		"identity": identity,
		"at":       time.Now().UnixMilli(),
	}))
	h.registry.SendToRole(conversationID, opposite(role), data)
}

func mapHandoffErr(err error) error {
	var alreadyHuman *handoff.AlreadyHumanError
	if errors.As(err, &alreadyHuman) {
		return &DomainError{
			Code:    CodeHandoffRejected,
			Message: "conversation already has an operator",
			Detail:  alreadyHuman.CurrentOperator,
		}
	}
	var wrongOp *handoff.WrongOperatorError
	if errors.As(err, &wrongOp) {
		return &DomainError{
			Code:    CodeNotHandoffOwner,
			Message: "handoff is owned by another operator",
			Detail:  wrongOp.CurrentOperator,
		}
	}
	switch {
	case errors.Is(err, handoff.ErrNotHuman):
		return &DomainError{Code: CodeHandoffNotActive, Message: "conversation is not in human mode"}
	case errors.Is(err, handoff.ErrNotPending):
		return &DomainError{Code: CodeHandoffRejected, Message: "no pending handoff request"}
	case errors.Is(err, handoff.ErrNotRequestable):
		return &DomainError{Code: CodeHandoffRejected, Message: "handoff already in progress"}
	}
	return mapStoreErr(err)
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &DomainError{Code: CodeNotFound, Message: "conversation not found"}
	}
	return err
}

func opposite(role registry.Role) registry.Role {
	if role == registry.RoleUser {
		return registry.RoleAgent
	}
	return registry.RoleUser
}

func messageID(payload map[string]any) string {
	if id := payloadString(payload, "message_id"); id != "" {
		return id
	}
	return uuid.New().String()
}

func messagePayload(msg *store.Message) map[string]any {
	p := map[string]any{
		"id":         msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt.UnixMilli(),
	}
	if len(msg.Products) > 0 {
		p["products"] = json.RawMessage(msg.Products)
	}
	if len(msg.ToolCalls) > 0 {
		p["tool_calls"] = json.RawMessage(msg.ToolCalls)
	}
	return p
}

func statePayload(conv *store.Conversation) map[string]any {
	p := map[string]any{
		"handoff_state": string(conv.HandoffState),
	}
	if conv.HandoffOperator != nil {
		p["handoff_operator"] = *conv.HandoffOperator
	}
	if conv.HandoffReason != nil {
		p["handoff_reason"] = *conv.HandoffReason
	}
	return p
}

func payloadString(payload map[string]any, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func payloadStrings(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// mustEncode marshals a frame built entirely from server-controlled
// values; a failure is a programming error.
func mustEncode(f *Frame) []byte {
	data, err := f.Encode()
	if err != nil {
		panic(err)
	}
	return data
}
