// ABOUTME: One live websocket session: buffered outbound writes and the
// ABOUTME: read/write pump pair around a coder/websocket connection.

package socket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/embedease/chat-gateway/internal/registry"
)

const (
	// sendBuffer bounds the per-session outbound queue. A session that
	// cannot keep up is dropped rather than allowed to stall others.
	sendBuffer = 64

	writeTimeout = 10 * time.Second
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Session wraps one websocket connection. Send is safe for concurrent
// use and never blocks: a full buffer is treated as a dead peer.
type Session struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger

	// conn is set once, right after registration, before the pumps start.
	conn *registry.Connection
}

func newSession(ws *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (s *Session) bind(conn *registry.Connection) { s.conn = conn }

// ConnectionID returns the registry id, or "" before registration.
func (s *Session) ConnectionID() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.ID
}

func (s *Session) ConversationID() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.ConversationID
}

func (s *Session) Role() registry.Role {
	if s.conn == nil {
		return ""
	}
	return s.conn.Role
}

func (s *Session) Identity() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.Identity
}

// Send queues data for the write pump. It satisfies registry.Sender.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendFrame encodes and queues one frame.
func (s *Session) SendFrame(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return s.Send(data)
}

// close makes Send fail fast and wakes the write pump. Idempotent.
func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

// Close tears the session down. The write pump observes the closed
// channel and shuts the websocket, which in turn ends the read pump.
// It satisfies registry.Sender so eviction closes the transport.
func (s *Session) Close() { s.close() }

// writePump drains the send buffer onto the wire until the session
// closes or a write fails.
func (s *Session) writePump(ctx context.Context) {
	defer s.ws.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case data := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("write failed, closing session",
					"connection_id", s.ConnectionID(),
					"error", err,
				)
				s.close()
				return
			}
		}
	}
}

// readPump reads inbound frames and dispatches them until the peer
// disconnects. It blocks the caller; cleanup happens after it returns.
func (s *Session) readPump(ctx context.Context, router *Router) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			s.close()
			return
		}
		if err := router.Dispatch(ctx, s, data); err != nil {
			s.logger.Debug("dispatch reply failed",
				"connection_id", s.ConnectionID(),
				"error", err,
			)
		}
	}
}
