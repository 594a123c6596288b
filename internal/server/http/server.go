// Package httpserver provides the HTTP REST API and event stream of the
// research orchestrator.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/notify"
)

// WorkflowService is the engine surface the HTTP API drives.
type WorkflowService interface {
	Start(ctx context.Context, conversationID string, initial domain.Artifact) (*domain.WorkflowState, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.WorkflowState, int64, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error)
	Retrigger(ctx context.Context, id uuid.UUID, stage domain.Stage) (*domain.WorkflowState, error)
}

// Subscriber opens per-conversation event subscriptions.
type Subscriber interface {
	Subscribe(conversationID string) (*notify.Subscription, error)
}

// HealthChecker reports database health. *database.DB satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	workflows  WorkflowService
	events     Subscriber
	health     HealthChecker
	validate   *validator.Validate
	heartbeat  time.Duration
	cors       []string
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Heartbeat is the keep-alive interval of event streams. Defaults to 15s.
	Heartbeat time.Duration
	// CORSOrigins enables CORS for the listed origins. "*" allows any.
	CORSOrigins []string
}

// NewServer creates a new HTTP server with all dependencies.
func NewServer(cfg Config, workflows WorkflowService, events Subscriber, health HealthChecker, logger zerolog.Logger) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		workflows: workflows,
		events:    events,
		health:    health,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		heartbeat: cfg.Heartbeat,
		cors:      cfg.CORSOrigins,
		logger:    logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(s.requestLogger)
	if len(s.cors) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-ID", "X-Correlation-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-Correlation-ID"},
			MaxAge:         300,
		}).Handler)
	}

	// Health endpoints
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(jsonContentTypeMiddleware)

			r.Post("/workflows", s.startWorkflow)
			r.Get("/workflows/{workflowID}", s.getWorkflow)
			r.Post("/workflows/{workflowID}/cancel", s.cancelWorkflow)
			r.Post("/workflows/{workflowID}/stages/{stage}/retrigger", s.retriggerStage)
			r.Get("/conversations/{conversationID}/workflows", s.listWorkflows)
		})

		r.Get("/conversations/{conversationID}/events", s.streamEvents)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler reports whether the database is reachable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	health := s.health.Health(r.Context())
	if !health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
