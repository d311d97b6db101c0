package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/applsais/financial-coach/internal/domain"
	"github.com/applsais/financial-coach/internal/service"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, svc *service.Service, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(repo, svc, cache, bus, version, cfg.MaxUploadBytes)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health endpoints (no dataset required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	analysisTimeout := time.Duration(cfg.AnalysisTimeout) * time.Second
	limiter := NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	router.Route("/", func(r chi.Router) {
		r.Use(DatasetMiddleware)
		r.Use(limiter.Middleware)

		// Ledger
		r.Post("/transactions", handler.CreateTransactions)
		r.Post("/transactions/upload", handler.UploadTransactions)
		r.Get("/transactions", handler.ListTransactions)
		r.Get("/transactions/exists", handler.TransactionsExist)
		r.Get("/transactions/summary", handler.Summary)
		r.Delete("/transactions", handler.DeleteTransactions)

		// Analyses
		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(analysisTimeout))
			r.Get("/subscriptions", handler.Subscriptions)
			r.Get("/anomalies", handler.Anomalies)
			r.Get("/forecast", handler.Forecast)
			r.Get("/trends", handler.Trends)
			r.Get("/insights", handler.Insights)
		})
		r.Get("/analyses/{id}", handler.GetAnalysis)

		// Custom rules
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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
