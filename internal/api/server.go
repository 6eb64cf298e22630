package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/switchboard/internal/api IntegrationStore,ReceiptReader,QueueDepther

// IntegrationStore manages tenant integrations and their agents.
type IntegrationStore interface {
	Create(ctx context.Context, in tenant.NewIntegration) (*tenant.Integration, error)
	Deactivate(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*tenant.Integration, error)
	List(ctx context.Context, tenantID string) ([]tenant.Integration, error)
	AddAgent(ctx context.Context, a tenant.Agent) (*tenant.Agent, error)
}

// ReceiptReader reads stored webhook receipts.
type ReceiptReader interface {
	Get(ctx context.Context, id string) (*audit.Receipt, error)
}

// QueueDepther reports how many jobs are waiting.
type QueueDepther interface {
	Depth(ctx context.Context) (int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// PublicBaseURL is prefixed to webhook paths in responses.
	PublicBaseURL string
}

// Server represents the admin HTTP API server
type Server struct {
	config       Config
	integrations IntegrationStore
	receipts     ReceiptReader
	queue        QueueDepther
	metrics      http.Handler
	events       *events.Hub
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
}

// New creates a new API server instance. metrics may be nil, in which case
// /metrics is not served.
func New(config Config, integrations IntegrationStore, receipts ReceiptReader, queue QueueDepther, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:       config,
		integrations: integrations,
		receipts:     receipts,
		queue:        queue,
		metrics:      metrics,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// SetEvents attaches the gateway activity hub. GET /events is only served
// when a hub is set.
func (s *Server) SetEvents(hub *events.Hub) {
	s.events = hub
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeIntegrationsWrite)).Post("/integrations", s.handleCreateIntegration)
		r.With(s.requireScopes(auth.ScopeIntegrationsRead)).Get("/integrations", s.handleListIntegrations)
		r.With(s.requireScopes(auth.ScopeIntegrationsWrite)).Delete("/integrations/{id}", s.handleDeactivateIntegration)
		r.With(s.requireScopes(auth.ScopeIntegrationsWrite)).Post("/integrations/{id}/agents", s.handleAddAgent)
		r.With(s.requireScopes(auth.ScopeReceiptsRead)).Get("/receipts/{id}", s.handleGetReceipt)
		if s.events != nil {
			r.With(s.requireScopes(auth.ScopeReceiptsRead)).Get("/events", s.handleEvents)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
