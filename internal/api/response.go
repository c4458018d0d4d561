// Package api implements the admin REST surface: thin controllers over the
// Registry/CertificatesTable/Metrics core (JSON envelope helpers,
// path-param validation), routed with go-chi/chi/v5 so backend_id/:id path
// params come for free.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/singularity-edge/edge/internal/apperr"
)

// writeJSON writes data as the body with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the {"error": <message>} envelope used across the
// admin API.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps err to its apperr-derived status and writes the envelope.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, apperr.HTTPStatus(err), err.Error())
}
