package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/singularity-edge/edge/internal/metrics"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	engine, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	poolsTable, err := store.NewPoolsTable(engine, 64)
	if err != nil {
		t.Fatalf("new pools table: %v", err)
	}
	backendsTable, err := store.NewBackendsTable(engine, 64)
	if err != nil {
		t.Fatalf("new backends table: %v", err)
	}
	certsTable, err := store.NewCertificatesTable(engine, 64)
	if err != nil {
		t.Fatalf("new certificates table: %v", err)
	}

	registry := poolactor.NewRegistry(poolsTable, backendsTable)
	return NewServer(registry, certsTable, metrics.NewRegistry(), "node-1")
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s.Router(), http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Node != "node-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_CreateListGetDeletePool(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	rr := doJSON(t, r, http.MethodPost, "/api/pools", createPoolRequest{Name: "web", Algorithm: "round_robin"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status: got %d, want %d, body=%s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	rr = doJSON(t, r, http.MethodGet, "/api/pools", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status: got %d", rr.Code)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/pools/web", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status: got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, r, http.MethodDelete, "/api/pools/web", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status: got %d", rr.Code)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/pools/web", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestServer_CreatePool_DuplicateConflicts(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()
	doJSON(t, r, http.MethodPost, "/api/pools", createPoolRequest{Name: "web", Algorithm: "round_robin"})

	rr := doJSON(t, r, http.MethodPost, "/api/pools", createPoolRequest{Name: "web", Algorithm: "round_robin"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestServer_CreatePool_InvalidAlgorithmIs422(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s.Router(), http.MethodPost, "/api/pools", createPoolRequest{Name: "web", Algorithm: "made-up"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
}

func TestServer_AddAndRemoveBackend(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()
	doJSON(t, r, http.MethodPost, "/api/pools", createPoolRequest{Name: "web", Algorithm: "round_robin"})

	rr := doJSON(t, r, http.MethodPost, "/api/pools/web/backends", addBackendRequest{URL: "http://10.0.0.5:9000"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add backend status: got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, r, http.MethodGet, "/api/pools/web/backends", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list backends status: got %d", rr.Code)
	}

	// backend IDs embed "://", which a path segment can't carry once
	// decoded, so drive the handler directly with chi route params set,
	// the same way a caller fronting this with percent-encoding would land.
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("poolName", "web")
	rctx.URLParams.Add("backendID", "http://10.0.0.5:9000")
	req := httptest.NewRequest(http.MethodDelete, "/api/pools/web/backends/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr = httptest.NewRecorder()
	s.handleRemoveBackend(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove backend status: got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestServer_CertificateLifecycle(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	rr := doJSON(t, r, http.MethodPost, "/api/certificates", createCertificateRequest{Domain: "example.com"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status: got %d, body=%s", rr.Code, rr.Body.String())
	}
	var created map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("no id in created certificate: %+v", created)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/certificates", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status: got %d", rr.Code)
	}

	rr = doJSON(t, r, http.MethodPost, "/api/certificates/"+id+"/renew", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("renew status: got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, r, http.MethodDelete, "/api/certificates/"+id, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status: got %d", rr.Code)
	}
}

func TestServer_ACMEChallenge_NotFoundUntilSet(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	rr := doJSON(t, r, http.MethodGet, "/.well-known/acme-challenge/tok1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusNotFound)
	}

	s.SetChallenge("tok1", "tok1.thumbprint")
	rr = doJSON(t, r, http.MethodGet, "/.well-known/acme-challenge/tok1", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "tok1.thumbprint" {
		t.Fatalf("unexpected response: status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_Metrics_ExposesPrometheusText(t *testing.T) {
	s := newTestServer(t)
	s.Metrics.IncRequest("web", "http", "GET", "200")

	rr := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
