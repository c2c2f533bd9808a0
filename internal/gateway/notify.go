// ABOUTME: Socket-facing notification glue: assistant turns triggered by
// ABOUTME: socket messages, and pushing completed replies to user connections.

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/embedease/chat-gateway/internal/event"
	"github.com/embedease/chat-gateway/internal/registry"
	"github.com/embedease/chat-gateway/internal/socket"
	"github.com/embedease/chat-gateway/internal/store"
	"github.com/embedease/chat-gateway/internal/stream"
)

// UserMessage satisfies the socket hub's notifier: a user message that
// no human operator will answer starts an assistant turn in the
// background. Stream envelopes are pushed to the user's live
// connections as they are produced.
func (g *Gateway) UserMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	// The turn outlives the inbound frame that triggered it.
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		sink := stream.SinkFunc(func(env *stream.Envelope) error {
			frame := socket.NewFrame(socket.ActionServerStream, env.ConversationID, map[string]any{
				"seq":        env.Seq,
				"message_id": env.MessageID,
				"type":       env.Type,
				"payload":    env.Payload,
			})
			data, err := frame.Encode()
			if err != nil {
				return err
			}
			g.registry.SendToRole(env.ConversationID, registry.RoleUser, data)
			return nil
		})

		req := stream.Request{
			ConversationID:     conv.ID,
			UserMessageID:      msg.ID,
			AssistantMessageID: uuid.New().String(),
		}
		producer := func(pctx context.Context, b *event.Bridge) error {
			return g.responder.Respond(pctx, conv, msg, b)
		}

		if err := g.orchestrator.Run(bgCtx, req, producer, sink); err != nil {
			g.logger.Warn("background assistant turn failed",
				"conversation_id", conv.ID,
				"user_message_id", msg.ID,
				"error", err,
			)
		}
	}()
	return nil
}

// AssistantReplied satisfies the orchestrator's notifier: a persisted
// assistant message is pushed to the user's live connections.
func (g *Gateway) AssistantReplied(_ context.Context, msg *store.Message) {
	payload := map[string]any{
		"id":         msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt.UnixMilli(),
	}
	if len(msg.Products) > 0 {
		payload["products"] = json.RawMessage(msg.Products)
	}
	if len(msg.ToolCalls) > 0 {
		payload["tool_calls"] = json.RawMessage(msg.ToolCalls)
	}

	frame := socket.NewFrame(socket.ActionServerMessage, msg.ConversationID, payload)
	data, err := frame.Encode()
	if err != nil {
		g.logger.Error("failed to encode assistant message frame", "message_id", msg.ID, "error", err)
		return
	}
	g.registry.SendToRole(msg.ConversationID, registry.RoleUser, data)
}

// StaticResponder is the built-in development responder: it streams a
// canned acknowledgement so the pipeline can be exercised without a
// model behind it.
type StaticResponder struct {
	// Reply overrides the canned text when non-empty.
	Reply string
}

func (r *StaticResponder) Respond(ctx context.Context, _ *store.Conversation, _ *store.Message, bridge *event.Bridge) error {
	reply := r.Reply
	if reply == "" {
		reply = "Thanks for your message! A member of our team will follow up shortly."
	}

	if err := bridge.Emit(ctx, event.TypeLLMCallStart, nil); err != nil {
		return err
	}
	for _, chunk := range chunkText(reply, 24) {
		if err := bridge.Emit(ctx, event.TypeTextDelta, map[string]any{"content": chunk}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := bridge.Emit(ctx, event.TypeLLMCallEnd, nil); err != nil {
		return err
	}
	return bridge.Emit(ctx, event.TypeFinal, map[string]any{"content": reply})
}

func chunkText(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	var chunks []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
