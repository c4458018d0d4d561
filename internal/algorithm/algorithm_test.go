package algorithm

import (
	"testing"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

func backend(id string, healthy bool, weight int, conns int64) model.Backend {
	return model.Backend{ID: id, Healthy: healthy, Weight: weight, CurrentConnections: conns}
}

func TestSelect_RoundRobin_CyclesEvenlyThroughHealthyBackends(t *testing.T) {
	backends := []model.Backend{
		backend("b1", true, 1, 0),
		backend("b2", true, 1, 0),
		backend("b3", true, 1, 0),
	}

	counts := map[string]int{}
	state := State{}
	for i := 0; i < 9; i++ {
		chosen, next, err := Select(backends, model.RoundRobin, state)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[chosen.ID]++
		state = next
	}

	for _, id := range []string{"b1", "b2", "b3"} {
		if counts[id] != 3 {
			t.Fatalf("round robin not fair: counts=%v", counts)
		}
	}
}

func TestSelect_RoundRobin_AdvancesCursorByOneEachCall(t *testing.T) {
	backends := []model.Backend{backend("b1", true, 1, 0), backend("b2", true, 1, 0)}

	first, state, err := Select(backends, model.RoundRobin, State{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, _, err := Select(backends, model.RoundRobin, state)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected consecutive picks to differ, got %s twice", first.ID)
	}
}

func TestSelect_ExcludesUnhealthyBackends(t *testing.T) {
	backends := []model.Backend{
		backend("b1", false, 1, 0),
		backend("b2", true, 1, 0),
		backend("b3", false, 1, 0),
	}

	state := State{}
	for i := 0; i < 5; i++ {
		chosen, next, err := Select(backends, model.RoundRobin, state)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if chosen.ID != "b2" {
			t.Fatalf("picked unhealthy backend %s", chosen.ID)
		}
		state = next
	}
}

func TestSelect_NoHealthyBackends_ReturnsNoBackends(t *testing.T) {
	backends := []model.Backend{backend("b1", false, 1, 0), backend("b2", false, 1, 0)}

	_, _, err := Select(backends, model.RoundRobin, State{})
	if err == nil {
		t.Fatal("expected an error when no backend is healthy")
	}
	if apperr.KindOf(err) != apperr.NoBackends {
		t.Fatalf("kind: got %v, want %v", apperr.KindOf(err), apperr.NoBackends)
	}
}

func TestSelect_NoBackendsAtAll_ReturnsNoBackends(t *testing.T) {
	_, _, err := Select(nil, model.RoundRobin, State{})
	if apperr.KindOf(err) != apperr.NoBackends {
		t.Fatalf("kind: got %v, want %v", apperr.KindOf(err), apperr.NoBackends)
	}
}

func TestSelect_WeightedRoundRobin_DistributesProportionallyToWeight(t *testing.T) {
	backends := []model.Backend{
		backend("b1", true, 2, 0),
		backend("b2", true, 6, 0),
	}

	counts := map[string]int{}
	state := State{}
	for i := 0; i < 8; i++ {
		chosen, next, err := Select(backends, model.WeightedRoundRobin, state)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[chosen.ID]++
		state = next
	}

	if counts["b1"] != 2 {
		t.Fatalf("b1: got %d picks over 8, want 2", counts["b1"])
	}
	if counts["b2"] != 6 {
		t.Fatalf("b2: got %d picks over 8, want 6", counts["b2"])
	}
}

func TestSelect_WeightedRoundRobin_ZeroOrNegativeWeightTreatedAsOne(t *testing.T) {
	backends := []model.Backend{
		backend("b1", true, 0, 0),
		backend("b2", true, 1, 0),
	}

	counts := map[string]int{}
	state := State{}
	for i := 0; i < 4; i++ {
		chosen, next, err := Select(backends, model.WeightedRoundRobin, state)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[chosen.ID]++
		state = next
	}
	if counts["b1"] != 2 || counts["b2"] != 2 {
		t.Fatalf("expected an even 2/2 split treating weight 0 as 1, got %v", counts)
	}
}

func TestSelect_LeastConnections_PicksFewestActiveConnections(t *testing.T) {
	backends := []model.Backend{
		backend("b1", true, 1, 5),
		backend("b2", true, 1, 1),
		backend("b3", true, 1, 3),
	}

	chosen, _, err := Select(backends, model.LeastConnections, State{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.ID != "b2" {
		t.Fatalf("got %s, want b2 (fewest connections)", chosen.ID)
	}
}

func TestSelect_LeastConnections_TiesBreakByLowestID(t *testing.T) {
	backends := []model.Backend{
		backend("b3", true, 1, 2),
		backend("b1", true, 1, 2),
		backend("b2", true, 1, 2),
	}

	chosen, _, err := Select(backends, model.LeastConnections, State{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.ID != "b1" {
		t.Fatalf("tie-break: got %s, want b1 (lowest id)", chosen.ID)
	}
}

func TestSelect_LeastConnections_IgnoresUnhealthyEvenWithFewerConnections(t *testing.T) {
	backends := []model.Backend{
		backend("b1", false, 1, 0),
		backend("b2", true, 1, 10),
	}

	chosen, _, err := Select(backends, model.LeastConnections, State{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.ID != "b2" {
		t.Fatalf("got %s, want b2 (only healthy backend)", chosen.ID)
	}
}

func TestSelect_Random_OnlyEverPicksHealthyBackends(t *testing.T) {
	backends := []model.Backend{
		backend("b1", false, 1, 0),
		backend("b2", true, 1, 0),
	}

	for i := 0; i < 20; i++ {
		chosen, _, err := Select(backends, model.Random, State{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if chosen.ID != "b2" {
			t.Fatalf("random picked unhealthy backend %s", chosen.ID)
		}
	}
}

func TestSelect_UnknownAlgorithm_FallsBackToRoundRobin(t *testing.T) {
	backends := []model.Backend{backend("b1", true, 1, 0), backend("b2", true, 1, 0)}

	first, state, err := Select(backends, model.Algorithm("bogus"), State{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, _, err := Select(backends, model.Algorithm("bogus"), state)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected fallback round robin to alternate, got %s twice", first.ID)
	}
}
