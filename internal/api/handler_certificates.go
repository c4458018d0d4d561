package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/singularity-edge/edge/internal/model"
)

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.Certificates.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

type createCertificateRequest struct {
	Domain string `json:"domain"`
}

// handleCreateCertificate registers a pending certificate record for
// domain. Issuance itself is an external ACME collaborator's job: this
// just reserves the Certificate row, with empty PEM fields, for the
// collaborator to fill in. No admin route writes certificate or key
// material; renew only bumps updated_at.
func (s *Server) handleCreateCertificate(w http.ResponseWriter, r *http.Request) {
	var req createCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if req.Domain == "" {
		writeError(w, http.StatusUnprocessableEntity, "domain is required")
		return
	}
	if existing, err := s.Certificates.ByDomain(req.Domain); err == nil {
		writeError(w, http.StatusConflict, "certificate for "+existing.Domain+" already exists")
		return
	}

	now := time.Now().UTC()
	cert := model.Certificate{
		ID:        uuid.NewString(),
		Domain:    req.Domain,
		AutoRenew: true,
		Provider:  model.DefaultCertProvider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Certificates.Put(cert); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cert)
}

func (s *Server) handleRenewCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "certID")
	cert, err := s.Certificates.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	// The actual renewal (new key material) is performed by the external
	// ACME collaborator; this just marks the record as due for pickup.
	cert.UpdatedAt = time.Now().UTC()
	if err := s.Certificates.Put(cert); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func (s *Server) handleDeleteCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "certID")
	if _, err := s.Certificates.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Certificates.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
