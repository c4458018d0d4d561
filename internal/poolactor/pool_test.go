package poolactor

import (
	"context"
	"testing"
	"time"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

func newBackend(id string, weight int) model.Backend {
	now := time.Now().UTC()
	return model.Backend{
		ID:        id,
		Scheme:    "http",
		Host:      "10.0.0.1",
		Port:      8080,
		Weight:    weight,
		Healthy:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPool_AddSelectRelease(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	if _, err := p.AddBackend(ctx, newBackend("b1", 1)); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}

	chosen, err := p.SelectBackend(ctx)
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if chosen.ID != "b1" {
		t.Fatalf("want b1, got %s", chosen.ID)
	}
	if chosen.CurrentConnections != 1 {
		t.Fatalf("want 1 active connection, got %d", chosen.CurrentConnections)
	}

	p.ReleaseBackend(ctx, chosen.ID)

	backends, err := p.ListBackends(ctx)
	if err != nil {
		t.Fatalf("ListBackends: %v", err)
	}
	if len(backends) != 1 || backends[0].CurrentConnections != 0 {
		t.Fatalf("expected released backend with 0 connections, got %+v", backends)
	}
}

func TestPool_AddBackend_Duplicate(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	if _, err := p.AddBackend(ctx, newBackend("b1", 1)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := p.AddBackend(ctx, newBackend("b1", 1))
	if apperr.KindOf(err) != apperr.AlreadyExists {
		t.Fatalf("want AlreadyExists, got %v", err)
	}
}

func TestPool_RemoveBackend_NotFound(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	err := p.RemoveBackend(ctx, "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestPool_SelectBackend_NoBackends(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	_, err := p.SelectBackend(ctx)
	if apperr.KindOf(err) != apperr.NoBackends {
		t.Fatalf("want NoBackends, got %v", err)
	}
}

func TestPool_SelectBackend_SkipsUnhealthy(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	unhealthy := newBackend("b1", 1)
	unhealthy.Healthy = false
	healthy := newBackend("b2", 1)

	if _, err := p.AddBackend(ctx, unhealthy); err != nil {
		t.Fatalf("add b1: %v", err)
	}
	if _, err := p.AddBackend(ctx, healthy); err != nil {
		t.Fatalf("add b2: %v", err)
	}
	// AddBackend starts every backend healthy until its first probe, so b1
	// is marked down the way a failed probe would.
	p.SetHealth(ctx, "b1", false)

	for i := 0; i < 5; i++ {
		chosen, err := p.SelectBackend(ctx)
		if err != nil {
			t.Fatalf("SelectBackend: %v", err)
		}
		if chosen.ID != "b2" {
			t.Fatalf("want b2 every time (b1 unhealthy), got %s", chosen.ID)
		}
		p.ReleaseBackend(ctx, chosen.ID)
	}
}

func TestPool_SetHealth(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	if _, err := p.AddBackend(ctx, newBackend("b1", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	p.SetHealth(ctx, "b1", false)

	backends, err := p.ListBackends(ctx)
	if err != nil {
		t.Fatalf("ListBackends: %v", err)
	}
	if backends[0].Healthy {
		t.Fatalf("expected b1 unhealthy after SetHealth(false)")
	}
}

func TestPool_Stats(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	if _, err := p.AddBackend(ctx, newBackend("b1", 1)); err != nil {
		t.Fatalf("add b1: %v", err)
	}
	unhealthy := newBackend("b2", 1)
	unhealthy.Healthy = false
	if _, err := p.AddBackend(ctx, unhealthy); err != nil {
		t.Fatalf("add b2: %v", err)
	}
	// AddBackend starts every backend healthy until its first probe.
	p.SetHealth(ctx, "b2", false)

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalBackends != 2 || stats.HealthyBackends != 1 || stats.UnhealthyBackends != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPool_Snapshot_MatchesListBackends(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)
	defer p.Close(ctx)

	if _, err := p.AddBackend(ctx, newBackend("b1", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].ID != "b1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPool_Close_RejectsFurtherCalls(t *testing.T) {
	ctx := context.Background()
	p := New(model.Pool{Name: "p1", Algorithm: model.RoundRobin}, nil)

	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := p.AddBackend(ctx, newBackend("b1", 1))
	if err == nil {
		t.Fatalf("expected error after Close")
	}
}
