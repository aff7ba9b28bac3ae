// Package server provides the HTTP transport for the statmcp API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/warmup"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8391,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE connections and long-running tool calls
		// stay open indefinitely.
		WriteTimeout: 0,
	}
}

// Server is the HTTP server.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	guard      *warmup.Guard
	bus        *event.Bus
}

// New creates a new Server instance.
func New(cfg *Config, d *dispatch.Dispatcher, p *pool.Pool, guard *warmup.Guard, bus *event.Bus) *Server {
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		dispatcher: d,
		pool:       p,
		guard:      guard,
		bus:        bus,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
