package server

import (
	"encoding/json"
	"net/http"

	"github.com/statengine/statmcp/pkg/types"
)

// dispatchTool handles POST /tool. The dispatcher normalizes every outcome
// into the uniform response shape, so tool-level failures still return 200
// with status "error"; only transport-level problems use HTTP error codes.
func (s *Server) dispatchTool(w http.ResponseWriter, r *http.Request) {
	var req types.ToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tool is required")
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}
