package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
		})
	})

	// Tool dispatch
	r.Post("/tool", s.dispatchTool)

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)

	// Instance status
	r.Get("/status", s.getStatus)
}
