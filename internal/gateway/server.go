// Package gateway is the public webhook surface: one POST route per
// provider, each running resolve, verify, record, claim and then either an
// inline decision or synchronous normalization.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/switchboard/internal/audit"
	"github.com/mattjoyce/switchboard/internal/decision"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/queue"
	"github.com/mattjoyce/switchboard/internal/tenant"
	"github.com/mattjoyce/switchboard/internal/verify"
)

// DefaultMaxBodySize is used when Options.MaxBodySize is unset.
const DefaultMaxBodySize = 1 << 20

// IntegrationResolver maps a provider token to an active integration.
type IntegrationResolver interface {
	Resolve(ctx context.Context, id provider.ID, token string) (*tenant.Resolved, error)
}

// ReceiptRecorder is the audit log.
type ReceiptRecorder interface {
	Record(ctx context.Context, r audit.Receipt) (*audit.Receipt, error)
	RecordRejection(ctx context.Context, r audit.Receipt, reason string) (*audit.Receipt, error)
	MarkDuplicate(ctx context.Context, id string) error
}

// EventNormalizer writes canonical events synchronously.
type EventNormalizer interface {
	Normalize(ctx context.Context, in *tenant.Integration, receiptID string, p normalize.Payload) (*normalize.Event, error)
}

// DecisionBuilder answers inline-decision payloads.
type DecisionBuilder interface {
	Build(ctx context.Context, in *tenant.Resolved, p normalize.Payload) (decision.Decision, bool, error)
}

// JobEnqueuer queues deferred normalization.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Options are the listener settings.
type Options struct {
	Listen string
	// PublicBaseURL replaces scheme and host when rebuilding signed URLs.
	PublicBaseURL  string
	MaxBodySize    int64
	RequestTimeout time.Duration
	MaxAttempts    int
	CORS           CORSPolicy
}

// Deps are the gateway's collaborators.
type Deps struct {
	Integrations IntegrationResolver
	Verifiers    *verify.Registry
	Receipts     ReceiptRecorder
	Ledger       idempotency.Ledger
	Normalizer   EventNormalizer
	Decisions    DecisionBuilder
	Jobs         JobEnqueuer
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// Events receives delivery outcomes for the admin activity stream. Optional.
	Events events.Publisher
}

// Server represents the webhook HTTP server.
type Server struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	server *http.Server
	now    func() time.Time
}

func New(opts Options, deps Deps) *Server {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 8 * time.Second
	}
	return &Server{
		opts:   opts,
		deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
	}
}

// Start runs the server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gateway starting", "listen", s.opts.Listen, "providers", len(provider.All()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	}
}

// Handler builds the router. Every provider in the policy table gets a
// route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORS(s.opts.CORS))

	for _, p := range provider.All() {
		r.Post(p.Route(), s.instrument(p.ID, s.webhookHandler(p)))
	}
	return r
}

// instrument logs each request and records its metrics. Bodies are never
// logged.
func (s *Server) instrument(id provider.ID, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)

		elapsed := time.Since(start)
		s.deps.Metrics.RecordWebhook(string(id), ww.Status(), elapsed.Seconds())
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"provider", id,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps err to its status and writes a generic body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, id provider.ID, err error) {
	kind := KindOf(err)
	status := kind.Status()
	if status >= 500 {
		s.logger.Error("webhook failed",
			"provider", id,
			"kind", kind.String(),
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	} else {
		s.logger.Warn("webhook rejected", "provider", id, "kind", kind.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: kind.message()})
}
