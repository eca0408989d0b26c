// Package server provides the HTTP API for the harvesting engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
	"github.com/harvester-engine/harvester/internal/scan"
)

// ScanService is the scanner surface the API needs. Satisfied by *scan.Scanner.
type ScanService interface {
	Scan(ctx context.Context, asOf time.Time, dryRun bool) (*scan.Result, error)
	Book() *lots.Book
	Tracker() *washsale.Tracker
	Ledger() *carryforward.Ledger
	InProgress() bool
}

var _ ScanService = (*scan.Scanner)(nil)

// Deps wires the server's collaborators.
type Deps struct {
	Scanner ScanService
	Queue   *queue.Service
	Records *rebuy.Repository
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config
	d      Deps
}

// New creates the HTTP server with routes and middleware configured.
func New(cfg *config.Config, d Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		d:      d,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.handleScan)

		r.Get("/positions", s.handlePositions)
		r.Get("/records", s.handleRecords)

		r.Get("/washsale/{ticker}", s.handleWashSaleStatus)
		r.Get("/carryforward/{year}", s.handleCarryforwardYear)
		r.Get("/summary/{year}", s.handleYearSummary)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueAll)
			r.Get("/pending", s.handleQueuePending)
			r.Post("/{id}/approve", s.handleQueueApprove)
			r.Post("/{id}/reject", s.handleQueueReject)
		})

		r.Get("/system/status", s.handleSystemStatus)
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
