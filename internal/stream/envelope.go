// ABOUTME: Stream envelope: the sequenced, typed unit of the outbound protocol.
// ABOUTME: Defines the meta.start type and the sink interface envelopes flow into.

package stream

// TypeMetaStart is the first envelope of every stream. It carries the
// caller-chosen message ids so client-side optimistic rendering and
// server persistence agree on identity. All other envelope types reuse
// the domain event vocabulary from the event package.
const TypeMetaStart = "meta.start"

// Envelope is the outbound wire unit. Seq is scoped to one stream
// instance, starts at 1, and strictly increases in emission order —
// clients rely on it to reconstruct incremental state. Envelopes are
// never mutated after emission.
type Envelope struct {
	Seq            int64          `json:"seq"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
}

// Sink receives envelopes in emission order. A sink error means the
// caller is gone; the orchestrator stops forwarding but keeps draining.
type Sink interface {
	Write(env *Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(env *Envelope) error

// Write implements Sink.
func (f SinkFunc) Write(env *Envelope) error { return f(env) }
