package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Server represents the API server.
type Server struct {
	router   *chi.Mux
	handlers *Handlers
	addr     string
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(deps Deps, addr string) *Server {
	handlers := NewHandlers(deps)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv := &Server{
		router:   r,
		handlers: handlers,
		addr:     addr,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)
		r.Get("/status", handlers.GetStatus)
		r.Get("/stats", handlers.GetStats)
		r.Get("/categories", handlers.GetCategories)
		r.Get("/runs/latest", handlers.GetLatestRun)

		r.Route("/markets", func(r chi.Router) {
			r.Get("/", handlers.GetRecentMarkets)
			r.Get("/category/{category}", handlers.GetMarketsByCategory)
		})

		// Admin routes (no auth; bind to a private address)
		r.Post("/admin/run", srv.AdminRunNow)
	})

	return srv
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ============================================================================
// ADMIN HANDLERS
// ============================================================================

// AdminRunNow starts a pipeline run unless one is already in flight.
func (s *Server) AdminRunNow(w http.ResponseWriter, r *http.Request) {
	if !s.handlers.deps.Scheduler.TriggerNow() {
		respondError(w, http.StatusConflict, "A run is already in progress or the scheduler is stopped")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "ok",
		"message": "Run triggered",
	})
}
