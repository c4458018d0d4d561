package api

import "net/http"

// handleMetrics exposes Registry's Prometheus text format, rounding out
// the admin surface with the existing internal/metrics exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Metrics == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.Metrics.WritePrometheus(w)
}
