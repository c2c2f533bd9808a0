// ABOUTME: HTTP API handlers: health probes, the NDJSON chat stream
// ABOUTME: endpoint, and the conversation message history endpoint.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/embedease/chat-gateway/internal/event"
	"github.com/embedease/chat-gateway/internal/store"
	"github.com/embedease/chat-gateway/internal/stream"
)

type chatStreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MessageID      string `json:"message_id,omitempty"`
}

type apiMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Products       json.RawMessage `json:"products,omitempty"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	LatencyMS      int64           `json:"latency_ms,omitempty"`
	IsDelivered    bool            `json:"is_delivered"`
	ReadAt         *int64          `json:"read_at,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

func toAPIMessage(msg *store.Message) apiMessage {
	out := apiMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Products:       msg.Products,
		ToolCalls:      msg.ToolCalls,
		LatencyMS:      msg.LatencyMS,
		IsDelivered:    msg.IsDelivered,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	}
	if msg.ReadAt != nil {
		ms := msg.ReadAt.UnixMilli()
		out.ReadAt = &ms
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server_id": g.serverID,
	})
}

// handleReady probes the database so load balancers only route to an
// instance that can actually serve.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	_, err := g.store.GetConversation(r.Context(), "readiness-probe")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleChatStream runs one assistant turn, streaming sequenced
// envelopes to the caller as NDJSON lines.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}

	ctx := r.Context()
	conv, err := g.store.GetOrCreateConversation(ctx, req.ConversationID)
	if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", req.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv.HandoffState == store.HandoffHuman {
		writeError(w, http.StatusConflict, "conversation is handled by a human operator")
		return
	}

	userMsg := &store.Message{
		ID:             req.MessageID,
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.New().String()
	}
	if err := g.store.CreateMessage(ctx, userMsg); err != nil {
		g.logger.Error("failed to persist user message", "message_id", userMsg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	sink := stream.SinkFunc(func(env *stream.Envelope) error {
		if err := enc.Encode(env); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	streamReq := stream.Request{
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: uuid.New().String(),
	}
	producer := func(pctx context.Context, b *event.Bridge) error {
		return g.responder.Respond(pctx, conv, userMsg, b)
	}

	if err := g.orchestrator.Run(ctx, streamReq, producer, sink); err != nil {
		// The error envelope already went out on the stream; nothing
		// more can be written here.
		g.logger.Warn("chat stream failed",
			"conversation_id", conv.ID,
			"identity", identity,
			"error", err,
		)
	}
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := g.auth.Authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conversationID := r.PathValue("conversation_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := g.store.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]apiMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toAPIMessage(msg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
