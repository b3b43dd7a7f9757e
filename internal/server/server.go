package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/evidence/internal/config"
	"github.com/BadgerOps/evidence/internal/evidence"
	"github.com/BadgerOps/evidence/internal/store"
)

// Server is the HTTP boundary of the evidence service.
type Server struct {
	evidence   *evidence.Service
	store      *store.Store
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new Server instance.
func NewServer(
	svc *evidence.Service,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		evidence:  svc,
		store:     st,
		config:    cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	// Exports can be large; the write deadline follows the request timeout.
	// The verify-all stream clears its own deadline.
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.requestTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	// Evidence routes
	mux.HandleFunc("GET /api/orders/{id}/evidence", s.handleEvidenceExport)
	mux.HandleFunc("POST /api/orders/{id}/evidence/verify", s.handleEvidenceVerify)
	mux.HandleFunc("GET /api/evidence/verify-all", s.handleVerifyAll)
	mux.HandleFunc("GET /api/evidence/history", s.handleHistory)

	return mux
}

func (s *Server) requestTimeout() time.Duration {
	if s.config.Server.RequestTimeout > 0 {
		return s.config.Server.RequestTimeout
	}
	return 2 * time.Minute
}
