package httpapi

import "net/http"

func (s *Server) handlePerfDispatch(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.DispatchSnapshot())
}

// handleResetPerfDispatch clears the window so a load run starts clean.
func (s *Server) handleResetPerfDispatch(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetDispatchWindow()
	w.WriteHeader(http.StatusNoContent)
}
