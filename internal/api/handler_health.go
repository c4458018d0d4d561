package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status string  `json:"status"`
	Node   string  `json:"node"`
	Uptime float64 `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Node:   s.NodeName,
		Uptime: time.Since(s.StartedAt).Seconds(),
	})
}
