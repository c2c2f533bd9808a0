// ABOUTME: Gateway composition root wiring store, registry, hub, and HTTP server
// ABOUTME: Manages component lifecycle from construction through shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/embedease/chat-gateway/internal/auth"
	"github.com/embedease/chat-gateway/internal/config"
	"github.com/embedease/chat-gateway/internal/dedupe"
	"github.com/embedease/chat-gateway/internal/event"
	"github.com/embedease/chat-gateway/internal/handoff"
	"github.com/embedease/chat-gateway/internal/registry"
	"github.com/embedease/chat-gateway/internal/socket"
	"github.com/embedease/chat-gateway/internal/store"
	"github.com/embedease/chat-gateway/internal/stream"
)

// Responder produces the assistant's answer to a user message by
// writing domain events into the bridge. It is the seam where the
// actual model integration plugs in.
type Responder interface {
	Respond(ctx context.Context, conv *store.Conversation, userMsg *store.Message, bridge *event.Bridge) error
}

// Gateway owns every long-lived component of the chat gateway.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *registry.Registry
	hub          *socket.Hub
	handoff      *handoff.Service
	orchestrator *stream.Orchestrator
	replays      *dedupe.Cache
	auth         socket.Authenticator
	responder    Responder
	httpServer   *http.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance in logs
	serverID string
}

// Option configures a Gateway before it starts.
type Option func(*Gateway)

// WithResponder sets the assistant integration. Defaults to a canned
// development responder.
func WithResponder(r Responder) Option {
	return func(g *Gateway) { g.responder = r }
}

// WithStore overrides the store, mainly for tests.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// New builds a gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		serverID:  uuid.New().String(),
		responder: &StaticResponder{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.store == nil {
		st, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		g.store = st
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.Insecure {
		logger.Warn("auth.insecure enabled, tokens are accepted verbatim")
		verifier = auth.InsecureVerifier{}
	} else {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	g.auth = auth.NewRequestAuthenticator(verifier)

	g.registry = registry.New(logger)
	g.handoff = handoff.NewService(g.store, logger)
	g.replays = dedupe.NewCache(cfg.Socket.ReplayTTL, cfg.Socket.ReplayCapacity)
	g.orchestrator = stream.NewOrchestrator(g.store, logger,
		stream.WithQueueSize(cfg.Stream.QueueSize),
		stream.WithNotifier(g),
	)

	hubOpts := []socket.HubOption{socket.WithNotifier(g)}
	if len(cfg.Server.OriginPatterns) > 0 {
		hubOpts = append(hubOpts, socket.WithOriginPatterns(cfg.Server.OriginPatterns))
	}
	g.hub = socket.NewHub(g.registry, g.store, g.handoff, g.auth, g.replays, logger, hubOpts...)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("POST /api/chat/stream", g.handleChatStream)
	mux.HandleFunc("GET /api/conversations/{conversation_id}/messages", g.handleListMessages)
	mux.HandleFunc("GET /ws/user/{conversation_id}", g.hub.HandleUser)
	mux.HandleFunc("GET /ws/agent/{conversation_id}", g.hub.HandleAgent)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening",
			"addr", g.config.Server.HTTPAddr,
			"server_id", g.serverID,
		)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		return g.Shutdown()
	}
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	g.replays.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// Hostname is used in startup banners.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
