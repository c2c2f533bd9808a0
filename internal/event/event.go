// ABOUTME: Domain event union with one variant per known pipeline event.
// ABOUTME: Decode converts raw (type, payload) pairs at the bridge boundary.

package event

import (
	"encoding/json"
)

// Wire type strings for domain events. The stream orchestrator re-emits
// each event under the same type string, so these double as the
// envelope vocabulary (minus "meta.start", which the orchestrator owns).
const (
	TypeLLMCallStart      = "llm.call.start"
	TypeLLMCallEnd        = "llm.call.end"
	TypeTextDelta         = "assistant.delta"
	TypeReasoningDelta    = "assistant.reasoning.delta"
	TypeToolStart         = "tool.start"
	TypeToolEnd           = "tool.end"
	TypeProducts          = "assistant.products"
	TypeTodos             = "assistant.todos"
	TypeContextSummarized = "context.summarized"
	TypeFinal             = "assistant.final"
	TypeError             = "error"

	// TypeEnd is the reserved sentinel signalling normal completion.
	// It never leaves the bridge.
	TypeEnd = "__end__"
)

// Kind identifies the decoded variant of an Event.
type Kind int

const (
	KindUnknown Kind = iota // catch-all for vocabulary growth
	KindLLMCallStart
	KindLLMCallEnd
	KindTextDelta
	KindReasoningDelta
	KindToolStart
	KindToolEnd
	KindProducts
	KindTodos
	KindContextSummarized
	KindFinal
	KindError
	KindEnd
)

// Raw is the untyped form a producer emits. It exists only inside the
// bridge queue.
type Raw struct {
	Type    string
	Payload map[string]any
}

// ToolCall describes a tool invocation or its completion.
type ToolCall struct {
	ID     string
	Name   string
	Input  string // JSON-encoded arguments (tool.start)
	Output string // result text (tool.end)
	IsErr  bool
}

// Product is one entry of a structured product recommendation payload.
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price,omitempty"`
	URL      string  `json:"url,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
}

// Event is the decoded, statically-typed form of a domain event.
// Fields beyond Kind are populated per variant; Payload always carries
// the original map so the orchestrator can re-emit it on the wire
// unchanged.
type Event struct {
	Kind    Kind
	Type    string // original wire type string
	Payload map[string]any

	Text     string     // KindTextDelta, KindReasoningDelta, KindFinal, KindError
	Tool     *ToolCall  // KindToolStart, KindToolEnd
	Products []Product  // KindProducts
}

// Decode converts a raw event into the closed union. Unrecognized types
// decode to KindUnknown with the payload preserved — they still flow to
// the client, the rest of the system just has nothing typed to say
// about them.
func Decode(r Raw) Event {
	ev := Event{Type: r.Type, Payload: r.Payload}

	switch r.Type {
	case TypeLLMCallStart:
		ev.Kind = KindLLMCallStart
	case TypeLLMCallEnd:
		ev.Kind = KindLLMCallEnd
	case TypeTextDelta:
		ev.Kind = KindTextDelta
		ev.Text = payloadString(r.Payload, "content")
	case TypeReasoningDelta:
		ev.Kind = KindReasoningDelta
		ev.Text = payloadString(r.Payload, "content")
	case TypeToolStart:
		ev.Kind = KindToolStart
		ev.Tool = &ToolCall{
			ID:    payloadString(r.Payload, "tool_call_id"),
			Name:  payloadString(r.Payload, "name"),
			Input: payloadString(r.Payload, "input"),
		}
	case TypeToolEnd:
		ev.Kind = KindToolEnd
		ev.Tool = &ToolCall{
			ID:     payloadString(r.Payload, "tool_call_id"),
			Name:   payloadString(r.Payload, "name"),
			Output: payloadString(r.Payload, "output"),
			IsErr:  payloadBool(r.Payload, "is_error"),
		}
	case TypeProducts:
		ev.Kind = KindProducts
		ev.Products = decodeProducts(r.Payload["products"])
	case TypeTodos:
		ev.Kind = KindTodos
	case TypeContextSummarized:
		ev.Kind = KindContextSummarized
	case TypeFinal:
		ev.Kind = KindFinal
		ev.Text = payloadString(r.Payload, "content")
	case TypeError:
		ev.Kind = KindError
		ev.Text = payloadString(r.Payload, "message")
	case TypeEnd:
		ev.Kind = KindEnd
	default:
		ev.Kind = KindUnknown
	}

	return ev
}

// decodeProducts converts the loosely-typed products entry into typed
// Product values via a JSON round trip. Malformed entries yield nil.
func decodeProducts(v any) []Product {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil
	}
	return products
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadBool(p map[string]any, key string) bool {
	if p == nil {
		return false
	}
	b, _ := p[key].(bool)
	return b
}
