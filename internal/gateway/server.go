// Package gateway exposes the HTTP surface: query dispatch, transcription,
// auth, agent status, health, metrics, and a websocket event stream.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/pkg/dispatcher"
	"github.com/arkon-ai/arkon/pkg/identity"
	"github.com/arkon-ai/arkon/pkg/router"
)

// QueryHandler is the dispatch capability the server fronts.
type QueryHandler interface {
	Handle(ctx context.Context, req dispatcher.Request) (dispatcher.Response, error)
	ValidateFiles(files []dispatcher.File) error
	AgentStatus() []router.AgentStatus
}

// Transcriber converts audio payloads to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Accounts is the user registry capability for the auth endpoints.
type Accounts interface {
	Register(ctx context.Context, email, password, role string) (identity.UserIdentity, error)
	Login(ctx context.Context, email, password string) (string, identity.Claims, error)
	Verify(token string) (identity.UserIdentity, error)
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	Dispatcher  QueryHandler
	Transcriber Transcriber
	Accounts    Accounts
	// ModelLoaded and Device are surfaced by /health.
	ModelLoaded bool
	Device      string
	// MaxBodyBytes caps inbound request bodies. Defaults to 64MB, enough
	// for the largest accepted document plus multipart overhead.
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader

	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the gateway server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("accounts registry is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024 * 1024
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}

	clients := NewClientRegistry()
	s := &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s, nil
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/query", s.instrument("/query", s.handleQuery))
	mux.HandleFunc("/transcribe", s.instrument("/transcribe", s.handleTranscribe))
	mux.HandleFunc("/auth/register", s.instrument("/auth/register", s.handleRegister))
	mux.HandleFunc("/auth/login", s.instrument("/auth/login", s.handleLogin))
	mux.HandleFunc("/auth/verify", s.instrument("/auth/verify", s.handleVerify))
	mux.HandleFunc("/v4/chat", s.instrument("/v4/chat", s.handleChat))
	mux.HandleFunc("/v4/agents/status", s.instrument("/v4/agents/status", s.handleAgentStatus))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	return s.track(mux)
}

// track wraps the mux with shutdown rejection and in-flight accounting.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop drains in-flight requests, closes websocket clients, and shuts the
// listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Broadcast publishes an event to connected websocket clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go func() {
		defer func() {
			conn.Close()
			s.clients.Remove(clientID)
			s.logger.Info().Str("clientId", clientID).Msg("Client disconnected")
		}()
		for {
			// Inbound frames are drained and ignored; the socket is a
			// one-way event stream.
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Error().Err(err).Str("clientId", clientID).Msg("WebSocket error")
				}
				return
			}
		}
	}()
}
