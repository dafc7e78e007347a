package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports ready once the daemon has finished wiring and the
// engine loop answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}
	if _, err := s.engine.Properties(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopped"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}
