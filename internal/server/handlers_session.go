package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/statengine/statmcp/internal/pool"
)

// createSessionRequest is the body for POST /session. The id is optional; a
// fresh one is generated when absent.
type createSessionRequest struct {
	ID string `json:"id,omitempty"`
}

// listSessions handles GET /session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

// createSession handles POST /session. Resolving an id that already has a
// live session returns that session unchanged.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	id := req.ID
	if id == "" {
		id = pool.NewID()
	}

	sess, err := s.pool.Resolve(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			writeError(w, http.StatusServiceUnavailable, ErrCodePoolExhausted, err.Error())
		case errors.Is(err, pool.ErrPoolClosed):
			writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// getSession handles GET /session/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, ok := s.pool.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+id)
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// deleteSession handles DELETE /session/{sessionID}.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if err := s.pool.Evict(id); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+id)
		return
	}

	writeSuccess(w)
}

// statusResponse is the body for GET /status.
type statusResponse struct {
	Sessions int    `json:"sessions"`
	Warmup   string `json:"warmup"`
	Graphics bool   `json:"graphics"`
}

// getStatus handles GET /status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Sessions: s.pool.Len(),
		Warmup:   s.guard.State().String(),
		Graphics: s.guard.GraphicsAllowed(),
	})
}
