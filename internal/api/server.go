package api

import (
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/store"
)

// Server is the admin REST surface: a thin set of controllers over the
// Registry (pools/backends), CertificatesTable, and Metrics registry. The
// proxy itself owns no business logic beyond dispatch.
type Server struct {
	Registry     *poolactor.Registry
	Certificates *store.CertificatesTable
	Metrics      *metrics.Registry
	NodeName     string
	StartedAt    time.Time

	challengesMu sync.RWMutex
	challenges   map[string]string
}

// NewServer builds a Server. StartedAt defaults to time.Now if zero.
func NewServer(registry *poolactor.Registry, certs *store.CertificatesTable, m *metrics.Registry, nodeName string) *Server {
	return &Server{
		Registry:     registry,
		Certificates: certs,
		Metrics:      m,
		NodeName:     nodeName,
		StartedAt:    time.Now(),
		challenges:   make(map[string]string),
	}
}

// SetChallenge records the HTTP-01 response body an ACME client collaborator
// wants served for token, a small event channel into the core. Cleared by
// ClearChallenge once the ACME client's order completes.
func (s *Server) SetChallenge(token, response string) {
	s.challengesMu.Lock()
	defer s.challengesMu.Unlock()
	s.challenges[token] = response
}

// ClearChallenge removes a previously set challenge response.
func (s *Server) ClearChallenge(token string) {
	s.challengesMu.Lock()
	defer s.challengesMu.Unlock()
	delete(s.challenges, token)
}

func (s *Server) challenge(token string) (string, bool) {
	s.challengesMu.RLock()
	defer s.challengesMu.RUnlock()
	v, ok := s.challenges[token]
	return v, ok
}

// Router builds the full admin mux: pool/backend/certificate CRUD, plus
// GET /api/pools/:id/backends and GET /metrics.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/pools", func(r chi.Router) {
		r.Get("/", s.handleListPools)
		r.Post("/", s.handleCreatePool)
		r.Get("/{poolName}", s.handleGetPool)
		r.Delete("/{poolName}", s.handleDeletePool)
		r.Get("/{poolName}/backends", s.handleListBackends)
		r.Post("/{poolName}/backends", s.handleAddBackend)
		r.Delete("/{poolName}/backends/{backendID}", s.handleRemoveBackend)
	})

	r.Route("/api/certificates", func(r chi.Router) {
		r.Get("/", s.handleListCertificates)
		r.Post("/", s.handleCreateCertificate)
		r.Post("/{certID}/renew", s.handleRenewCertificate)
		r.Delete("/{certID}", s.handleDeleteCertificate)
	})

	r.Get("/.well-known/acme-challenge/{token}", s.handleACMEChallenge)
	r.Get("/metrics", s.handleMetrics)

	return r
}
