package server

import (
	"net/http"
	"time"
)

// handleHealth reports scheduler liveness and the initial-wait state.
// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	s.mu.Lock()
	inWait := s.registry.InInitialWait()
	workers := s.registry.Pool().Len()
	s.mu.Unlock()

	respondOK(w, reqID, map[string]any{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).String(),
		"in_initial_wait": inWait,
		"workers":         workers,
	})
}
