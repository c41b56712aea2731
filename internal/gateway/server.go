// Package gateway exposes tickets over HTTP and streams their state changes
// to WebSocket clients through the hub.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/ticketd/internal/clients/extract"
	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/store"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// AllowedOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades in addition to localhost. "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TicketService is what the API needs from the orchestrator.
type TicketService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*ticket.Ticket, error)
	Get(ctx context.Context, id string) (*ticket.Ticket, error)
	List(ctx context.Context, f store.ListFilter) ([]*ticket.Ticket, int, error)
	Attempts(ctx context.Context, id string) ([]*ticket.Attempt, error)
	Delete(ctx context.Context, id string) error
	Reprocess(ctx context.Context, id string) (*ticket.Ticket, error)
	UpdateDetails(ctx context.Context, id string, req orchestrator.DetailsRequest) (*ticket.Ticket, error)
	Status(ctx context.Context) orchestrator.Status
}

// FileStore saves uploaded documents for doc_analysis tickets.
type FileStore interface {
	Save(owner, name string, r io.Reader) (*extract.StoredFile, error)
	MaxSize() int64
}

// Server is the HTTP and WebSocket front of ticketd. Server is safe for
// concurrent use.
type Server struct {
	config     *Config
	authConfig *AuthConfig
	auth       *Authenticator
	tickets    TicketService
	hub        *hub.Hub
	clients    *ClientManager
	router     *Router
	metrics    *PrometheusExporter
	webhooks   WebhookStats
	uploads    FileStore
	sendBuffer int
	upgrader   websocket.Upgrader
	handler    http.Handler
	server     *http.Server
	log        *slog.Logger
	mu         sync.RWMutex
	running    bool
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithAuthConfig sets the authentication configuration for the server.
// Without it every request acts as the caller-named or development owner.
func WithAuthConfig(auth *AuthConfig) ServerOption {
	return func(s *Server) {
		s.authConfig = auth
	}
}

// WithWebhookStats adds outbound webhook counters to /metrics.
func WithWebhookStats(ws WebhookStats) ServerOption {
	return func(s *Server) {
		s.webhooks = ws
	}
}

// WithUploads enables POST /api/v1/files.
func WithUploads(fs FileStore) ServerOption {
	return func(s *Server) {
		s.uploads = fs
	}
}

// WithSendBuffer sets the per-connection queue length.
func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

// NewServer creates a new gateway server. The server is not started until
// Start is called; Handler can be mounted directly in tests.
func NewServer(config *Config, tickets TicketService, h *hub.Hub, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config:     config,
		tickets:    tickets,
		hub:        h,
		clients:    NewClientManager(),
		router:     NewRouter(),
		sendBuffer: DefaultSendBuffer,
		log:        logging.WithComponent("gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}

	auth, err := NewAuthenticator(s.authConfig)
	if err != nil {
		return nil, err
	}
	s.auth = auth
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Same-origin requests and CLI tools send no origin.
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	s.metrics = NewPrometheusExporter(s)

	s.router.Handle(MessageTypeSubscribe, s.handleSubscribe)
	s.router.Handle(MessageTypeUnsubscribe, s.handleUnsubscribe)

	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// The WebSocket handshake authenticates itself; see handleWebSocket.
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/ws/status", s.handleWSStatus)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/status", s.handleStatus)
			if s.uploads != nil {
				r.Post("/files", s.handleUpload)
			}
			r.Route("/tickets", func(r chi.Router) {
				r.Post("/", s.handleSubmit)
				r.Get("/", s.handleList)
				r.Route("/{ticketID}", func(r chi.Router) {
					r.Get("/", s.handleGet)
					r.Patch("/", s.handleUpdate)
					r.Delete("/", s.handleDelete)
					r.Post("/reprocess", s.handleReprocess)
					r.Get("/attempts", s.handleAttempts)
				})
			})
		})
	})
	return r
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs. Returns an error if the server fails to start or is
// already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Unlock()

	s.log.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting requests, closes WebSocket clients and waits for
// in-flight requests up to the configured timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.running = false
	s.clients.CloseAll()
	return s.server.Shutdown(ctx)
}

// originAllowed accepts localhost and the configured origins.
func (s *Server) originAllowed(origin string) bool {
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, "+OwnerHeader)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
