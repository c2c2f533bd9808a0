// ABOUTME: Stream orchestrator: drains the bridge into sequenced envelopes,
// ABOUTME: shadows aggregation state, and persists the assistant turn on clean end.

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/embedease/chat-gateway/internal/event"
	"github.com/embedease/chat-gateway/internal/store"
)

// Producer runs the agent computation for one turn, emitting domain
// events into the bridge. It must not call bridge.End — the
// orchestrator owns stream termination.
type Producer func(ctx context.Context, b *event.Bridge) error

// MessageStore is what the orchestrator needs from persistence.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *store.Message) error
}

// Notifier is invoked best-effort after a completed turn is persisted.
// Failures are logged, never fatal.
type Notifier interface {
	AssistantReplied(ctx context.Context, msg *store.Message)
}

// Request identifies one stream instance. Message ids are caller-chosen
// and echoed in the meta.start envelope.
type Request struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
}

// Orchestrator turns a user message into an ordered, persisted response.
type Orchestrator struct {
	store     MessageStore
	notifier  Notifier
	queueSize int
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueueSize overrides the bridge queue size.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) { o.queueSize = n }
}

// WithNotifier sets the post-persistence notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// NewOrchestrator creates an orchestrator persisting through ms.
func NewOrchestrator(ms MessageStore, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:     ms,
		queueSize: event.DefaultQueueSize,
		logger:    logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// toolCallState shadows one tool call for the persisted summary.
type toolCallState struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"` // "running", "ok", "error"
	DurationMS int64  `json:"duration_ms"`

	startedAt time.Time
}

// aggregate shadows the stream for the final persistence step. It never
// gates emission.
type aggregate struct {
	content   strings.Builder
	reasoning strings.Builder
	products  any // last-seen raw products payload
	toolOrder []string
	tools     map[string]*toolCallState
}

func newAggregate() *aggregate {
	return &aggregate{tools: make(map[string]*toolCallState)}
}

func (a *aggregate) apply(ev event.Event) {
	switch ev.Kind {
	case event.KindTextDelta:
		a.content.WriteString(ev.Text)
	case event.KindReasoningDelta:
		a.reasoning.WriteString(ev.Text)
	case event.KindProducts:
		if ev.Payload != nil {
			a.products = ev.Payload["products"]
		}
	case event.KindToolStart:
		if ev.Tool == nil || ev.Tool.ID == "" {
			return
		}
		if _, seen := a.tools[ev.Tool.ID]; !seen {
			a.toolOrder = append(a.toolOrder, ev.Tool.ID)
		}
		a.tools[ev.Tool.ID] = &toolCallState{
			ID:        ev.Tool.ID,
			Name:      ev.Tool.Name,
			Status:    "running",
			startedAt: time.Now(),
		}
	case event.KindToolEnd:
		if ev.Tool == nil {
			return
		}
		tc, ok := a.tools[ev.Tool.ID]
		if !ok {
			return
		}
		tc.Status = "ok"
		if ev.Tool.IsErr {
			tc.Status = "error"
		}
		tc.DurationMS = time.Since(tc.startedAt).Milliseconds()
	}
}

// toolCallsJSON returns the ordered tool-call summary, or nil if no
// tools ran.
func (a *aggregate) toolCallsJSON() json.RawMessage {
	if len(a.toolOrder) == 0 {
		return nil
	}
	calls := make([]*toolCallState, 0, len(a.toolOrder))
	for _, id := range a.toolOrder {
		calls = append(calls, a.tools[id])
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil
	}
	return data
}

func (a *aggregate) productsJSON() json.RawMessage {
	if a.products == nil {
		return nil
	}
	data, err := json.Marshal(a.products)
	if err != nil {
		return nil
	}
	return data
}

// Run executes one stream instance: meta.start first, then every domain
// event re-emitted as a sequenced envelope the moment it is drained. On
// the end sentinel the producer is awaited and, if the stream completed
// cleanly, exactly one assistant message is persisted from the
// aggregated state. Errors surface as an error envelope and skip
// persistence.
func (o *Orchestrator) Run(ctx context.Context, req Request, produce Producer, sink Sink) error {
	started := time.Now()
	logger := o.logger.With("conversation_id", req.ConversationID, "message_id", req.AssistantMessageID)

	var seq int64
	sinkAlive := true
	emit := func(typ string, payload map[string]any) {
		seq++
		if !sinkAlive {
			return
		}
		env := &Envelope{
			Seq:            seq,
			ConversationID: req.ConversationID,
			MessageID:      req.AssistantMessageID,
			Type:           typ,
			Payload:        payload,
		}
		if err := sink.Write(env); err != nil {
			// Caller gone. The producer keeps running and the turn still
			// persists; there is just nowhere to forward envelopes.
			logger.Warn("sink write failed, stopping forwarding", "seq", seq, "error", err)
			sinkAlive = false
		}
	}

	emit(TypeMetaStart, map[string]any{
		"user_message_id":      req.UserMessageID,
		"assistant_message_id": req.AssistantMessageID,
	})

	bridge := event.NewBridge(o.queueSize)

	// The producer outlives client disconnect: truncating a partially
	// computed answer would lose work and leave persistence inconsistent.
	prodCtx := context.WithoutCancel(ctx)
	prodErr := make(chan error, 1)
	go func() {
		prodErr <- o.runProducer(prodCtx, bridge, produce)
	}()

	agg := newAggregate()
	failed := false

drain:
	for raw := range bridge.Events() {
		ev := event.Decode(raw)
		switch ev.Kind {
		case event.KindEnd:
			break drain
		case event.KindError:
			failed = true
		}
		agg.apply(ev)
		if ev.Kind != event.KindEnd {
			emit(ev.Type, ev.Payload)
		}
	}

	if err := <-prodErr; err != nil {
		failed = true
		logger.Error("producer failed", "error", err)
	}

	if failed {
		logger.Warn("stream failed, skipping persistence")
		return fmt.Errorf("stream %s failed", req.AssistantMessageID)
	}

	content := agg.content.String()
	if content == "" && agg.reasoning.Len() > 0 {
		// Never show the user an empty reply: promote reasoning text as a
		// last resort.
		logger.Warn("no content deltas observed, promoting reasoning text to content")
		content = agg.reasoning.String()
	}

	msg := &store.Message{
		ID:             req.AssistantMessageID,
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Products:       agg.productsJSON(),
		ToolCalls:      agg.toolCallsJSON(),
		LatencyMS:      time.Since(started).Milliseconds(),
	}
	if err := o.store.CreateMessage(prodCtx, msg); err != nil {
		return fmt.Errorf("persisting assistant message: %w", err)
	}

	if o.notifier != nil {
		o.notifier.AssistantReplied(prodCtx, msg)
	}

	logger.Debug("stream completed",
		"envelopes", seq,
		"latency_ms", msg.LatencyMS,
		"content_len", len(content),
	)
	return nil
}

// runProducer executes the agent task, converting its error or panic
// into a terminal error event on the bridge, then ends the stream.
// The bridge always sees __end__, so the drain loop always terminates.
func (o *Orchestrator) runProducer(ctx context.Context, bridge *event.Bridge, produce Producer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
		if err != nil {
			_ = bridge.EmitError(ctx, err.Error())
		}
		_ = bridge.End(ctx)
	}()

	return produce(ctx, bridge)
}
