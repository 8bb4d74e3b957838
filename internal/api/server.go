package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/ibis/internal/analyzer"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/escrow"
	"github.com/opensource-finance/ibis/internal/policy"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, pipeline *analyzer.Service, registry *escrow.Registry, gates *policy.Engine, version string, mode domain.AnalysisMode, defaultBalance float64) *Server {
	handler := NewHandler(repo, cache, bus, pipeline, registry, gates, version, mode, defaultBalance)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Invoice analysis
		r.Post("/analyze", handler.Analyze)
		r.Get("/analyses/{id}", handler.GetAnalysis)

		// Invoice retrieval
		r.Get("/invoices/{id}", handler.GetInvoice)
		r.Get("/payees/{payee}/invoices", handler.ListPayeeInvoices)

		// Document extraction
		r.Post("/extract", handler.Extract)

		// Cash flow simulation
		r.Post("/cashflow", handler.SimulateCashFlow)

		// Payee reputation
		r.Get("/payees/{payee}/reputation", handler.GetReputation)
		r.Post("/payees/{payee}/reputation", handler.UpdateReputation)

		// Escrow registry
		r.Post("/escrow/invoices", handler.SubmitEscrow)
		r.Get("/escrow/invoices/{hash}", handler.GetEscrowInvoice)
		r.Put("/escrow/invoices/{hash}/status", handler.UpdateEscrowStatus)
		r.Post("/escrow/invoices/{hash}/payment", handler.ProcessEscrowPayment)
		r.Get("/escrow/users/{submitter}/invoices", handler.ListSubmitterInvoices)

		// Submission gate management
		r.Get("/policy/gates", handler.ListGates)
		r.Post("/policy/gates", handler.CreateGate)
		r.Delete("/policy/gates/{id}", handler.DeleteGate)
		r.Post("/policy/gates/reload", handler.ReloadGates)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
