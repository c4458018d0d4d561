package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleACMEChallenge serves the HTTP-01 response body an external ACME
// client collaborator registered via SetChallenge, or 404 if no challenge
// is pending for token.
func (s *Server) handleACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	response, ok := s.challenge(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(response))
}
