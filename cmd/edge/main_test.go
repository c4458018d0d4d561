package main

import (
	"testing"

	"github.com/singularity-edge/edge/internal/model"
	"github.com/singularity-edge/edge/internal/poolactor"
	"github.com/singularity-edge/edge/internal/store"
)

func TestSelfReplicationAddr(t *testing.T) {
	if got := selfReplicationAddr(":8080"); got == "" {
		t.Fatal("expected a non-empty fallback address for a bare :port listen spec")
	}
	if got := selfReplicationAddr("10.0.0.5:8080"); got != "10.0.0.5:8080" {
		t.Fatalf("got %q, want %q", got, "10.0.0.5:8080")
	}
}

func TestTCPPortOf(t *testing.T) {
	cases := []struct {
		meta map[string]any
		want int
		ok   bool
	}{
		{map[string]any{"tcp_port": float64(5432)}, 5432, true},
		{map[string]any{"tcp_port": 5432}, 5432, true},
		{map[string]any{"tcp_port": "5432"}, 5432, true},
		{map[string]any{"tcp_port": "not-a-port"}, 0, false},
		{map[string]any{}, 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := tcpPortOf(model.Pool{Metadata: c.meta})
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("tcpPortOf(%+v): got (%d, %v), want (%d, %v)", c.meta, got, ok, c.want, c.ok)
		}
	}
}

func TestBuildTLSConfig_NilWithoutCertificates(t *testing.T) {
	engine, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer engine.Close()
	certsTable, err := store.NewCertificatesTable(engine, 16)
	if err != nil {
		t.Fatalf("new certificates table: %v", err)
	}
	poolsTable, err := store.NewPoolsTable(engine, 16)
	if err != nil {
		t.Fatalf("new pools table: %v", err)
	}
	backendsTable, err := store.NewBackendsTable(engine, 16)
	if err != nil {
		t.Fatalf("new backends table: %v", err)
	}
	registry := poolactor.NewRegistry(poolsTable, backendsTable)

	if cfg := buildTLSConfig(registry, certsTable); cfg != nil {
		t.Fatal("expected nil tls.Config with no provisioned certificates")
	}
}
