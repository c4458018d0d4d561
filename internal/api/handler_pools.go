package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/singularity-edge/edge/internal/backend"
	"github.com/singularity-edge/edge/internal/model"
)

type createPoolRequest struct {
	Name                string `json:"name"`
	Algorithm           string `json:"algorithm"`
	SSLMode             string `json:"ssl_mode"`
	SSLDomain           string `json:"ssl_domain"`
	SSLCertID           string `json:"ssl_cert_id"`
	ValidateBackendCert *bool  `json:"validate_backend_cert"`
	TCPPort             *int   `json:"tcp_port"`
}

var validAlgorithms = map[model.Algorithm]bool{
	model.RoundRobin:         true,
	model.LeastConnections:   true,
	model.WeightedRoundRobin: true,
	model.Random:             true,
}

var validSSLModes = map[model.SSLMode]bool{
	model.SSLOff:         true,
	model.SSLFlexible:    true,
	model.SSLFull:        true,
	model.SSLFullStrict:  true,
	model.SSLPassthrough: true,
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	algo := model.Algorithm(req.Algorithm)
	if algo == "" {
		algo = model.RoundRobin
	}
	if !validAlgorithms[algo] {
		writeError(w, http.StatusUnprocessableEntity, "unknown algorithm "+req.Algorithm)
		return
	}
	mode := model.SSLMode(req.SSLMode)
	if mode == "" {
		mode = model.SSLOff
	}
	if !validSSLModes[mode] {
		writeError(w, http.StatusUnprocessableEntity, "unknown ssl_mode "+req.SSLMode)
		return
	}

	// full_strict implies backend certificate validation regardless of what
	// the caller passed, so the pair can never land in an inconsistent state.
	validateBackendCert := mode == model.SSLFullStrict
	if req.ValidateBackendCert != nil {
		validateBackendCert = *req.ValidateBackendCert || mode == model.SSLFullStrict
	}

	cfg := model.Pool{
		Name:                req.Name,
		Algorithm:           algo,
		SSLMode:             mode,
		SSLDomain:           req.SSLDomain,
		SSLCertID:           req.SSLCertID,
		ValidateBackendCert: validateBackendCert,
	}
	if req.TCPPort != nil {
		cfg.Metadata = map[string]any{"tcp_port": *req.TCPPort}
	}
	created, err := s.Registry.CreatePool(r.Context(), cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type poolDetail struct {
	model.PoolStats
	Backends []model.Backend `json:"backends"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "poolName")
	pool, err := s.Registry.Get(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	stats, err := pool.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	backends, err := pool.ListBackends(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolDetail{PoolStats: stats, Backends: backends})
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "poolName")
	if err := s.Registry.DeletePool(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "poolName")
	pool, err := s.Registry.Get(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	backends, err := pool.ListBackends(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backends)
}

type addBackendRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	poolName := chi.URLParam(r, "poolName")
	var req addBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	b, err := backend.New(req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	added, err := s.Registry.AddBackend(r.Context(), poolName, b)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	poolName := chi.URLParam(r, "poolName")
	backendID := chi.URLParam(r, "backendID")
	if err := s.Registry.RemoveBackend(r.Context(), poolName, backendID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
