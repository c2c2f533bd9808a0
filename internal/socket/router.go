// ABOUTME: Stateless inbound frame dispatch with per-action schema validation.
// ABOUTME: Unknown actions, bad payloads, and handler panics become error frames.

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/embedease/chat-gateway/internal/dedupe"
)

// HandlerFunc processes one validated inbound frame on behalf of a session.
// Returned *DomainError values are relayed to the sender with their code;
// any other error becomes INTERNAL_ERROR.
type HandlerFunc func(ctx context.Context, sess *Session, frame *Frame) error

// DomainError carries a business error code back to the offending
// connection. It is never broadcast.
type DomainError struct {
	Code    string
	Message string
	Detail  string
}

func (e *DomainError) Error() string { return e.Message }

type route struct {
	handler HandlerFunc
	schema  *gojsonschema.Schema
}

// Router validates and dispatches inbound socket frames. It holds no
// per-action state; handlers are registered once at construction.
type Router struct {
	routes  map[string]route
	replays *dedupe.Cache
	logger  *slog.Logger
}

// NewRouter creates an empty router. The replay cache may be nil to
// disable duplicate-frame suppression.
func NewRouter(replays *dedupe.Cache, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes:  make(map[string]route),
		replays: replays,
		logger:  logger.With("component", "router"),
	}
}

// Handle registers a handler for an action. schemaJSON declares the
// payload shape; pass "" to accept any payload. Registration panics on
// a bad schema since that is a programming error, not runtime input.
func (r *Router) Handle(action, schemaJSON string, fn HandlerFunc) {
	var schema *gojsonschema.Schema
	if schemaJSON != "" {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("invalid schema for action %s: %v", action, err))
		}
		schema = s
	}
	r.routes[action] = route{handler: fn, schema: schema}
}

// Dispatch parses one raw inbound frame and runs it through validation
// and its handler. All outcomes, success or failure, are reported back
// on the session; Dispatch itself only errors when the session is gone.
func (r *Router) Dispatch(ctx context.Context, sess *Session, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return sess.SendFrame(ErrorFrame("", CodeInvalidPayload, "malformed frame", err.Error()))
	}

	rt, ok := r.routes[frame.Action]
	if !ok {
		r.logger.Warn("unknown action",
			"action", frame.Action,
			"connection_id", sess.ConnectionID(),
		)
		return sess.SendFrame(ErrorFrame(frame.ID, CodeInvalidAction, "unknown action", frame.Action))
	}

	// A client retry of an already-processed frame is acknowledged
	// again but not re-executed.
	if r.replays != nil && frame.ID != "" {
		if r.replays.Replayed(sess.ConnectionID() + "/" + frame.ID) {
			if !isSystemAction(frame.Action) {
				return sess.SendFrame(AckFrame(frame.ID))
			}
			return nil
		}
	}

	if rt.schema != nil {
		payload := frame.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		result, err := rt.schema.Validate(gojsonschema.NewGoLoader(payload))
		if err != nil {
			return sess.SendFrame(ErrorFrame(frame.ID, CodeInvalidPayload, "payload validation failed", err.Error()))
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, verr := range result.Errors() {
				details = append(details, verr.String())
			}
			return sess.SendFrame(ErrorFrame(frame.ID, CodeInvalidPayload, "invalid payload", strings.Join(details, "; ")))
		}
	}

	if err := r.invoke(ctx, sess, rt.handler, &frame); err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return sess.SendFrame(ErrorFrame(frame.ID, domainErr.Code, domainErr.Message, domainErr.Detail))
		}
		r.logger.Error("handler failed",
			"action", frame.Action,
			"connection_id", sess.ConnectionID(),
			"error", err,
		)
		return sess.SendFrame(ErrorFrame(frame.ID, CodeInternalError, "internal error", ""))
	}

	if !isSystemAction(frame.Action) {
		return sess.SendFrame(AckFrame(frame.ID))
	}
	return nil
}

// invoke runs the handler, converting a panic into an error so one bad
// frame cannot take down the read loop.
func (r *Router) invoke(ctx context.Context, sess *Session, fn HandlerFunc, frame *Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, sess, frame)
}

func isSystemAction(action string) bool {
	return strings.HasPrefix(action, "system.")
}
