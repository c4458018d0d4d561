// Package algorithm implements the pure backend-selection functions. Select
// is total and side-effect-free: all per-algorithm memory lives in the
// State it returns, never in package state, so the caller (the Pool actor)
// owns the cursor rather than a shared balancer.
package algorithm

import (
	"math/rand"
	"sort"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

// State is the opaque per-pool cursor consumed and returned by Select.
type State struct {
	Cursor uint64
}

// Select filters backends to the healthy subset and applies algo, returning
// the chosen Backend and the State to use on the next call. Returns
// apperr.NoBackends if the healthy subset is empty.
func Select(backends []model.Backend, algo model.Algorithm, state State) (model.Backend, State, error) {
	healthy := healthySubset(backends)
	if len(healthy) == 0 {
		return model.Backend{}, state, apperr.New(apperr.NoBackends, "no healthy backends available")
	}

	switch algo {
	case model.RoundRobin:
		return selectRoundRobin(healthy, state)
	case model.LeastConnections:
		return selectLeastConnections(healthy), state, nil
	case model.WeightedRoundRobin:
		return selectWeightedRoundRobin(healthy, state)
	case model.Random:
		return healthy[rand.Intn(len(healthy))], state, nil
	default:
		return selectRoundRobin(healthy, state)
	}
}

func healthySubset(backends []model.Backend) []model.Backend {
	out := make([]model.Backend, 0, len(backends))
	for _, b := range backends {
		if b.Healthy {
			out = append(out, b)
		}
	}
	return out
}

func selectRoundRobin(healthy []model.Backend, state State) (model.Backend, State, error) {
	idx := int(state.Cursor % uint64(len(healthy)))
	state.Cursor++
	return healthy[idx], state, nil
}

// selectLeastConnections picks the minimum CurrentConnections, ties broken
// by lowest id for a stable, reproducible ordering.
func selectLeastConnections(healthy []model.Backend) model.Backend {
	best := healthy[0]
	for _, b := range healthy[1:] {
		if b.CurrentConnections < best.CurrentConnections ||
			(b.CurrentConnections == best.CurrentConnections && b.ID < best.ID) {
			best = b
		}
	}
	return best
}

// selectWeightedRoundRobin expands the healthy list with each backend
// repeated Weight times, in id order for determinism, then round-robins
// over the expansion. Weight <= 0 is treated as 1;
// pool mutation rejects weight 0 outright so this is only a defensive floor.
func selectWeightedRoundRobin(healthy []model.Backend, state State) (model.Backend, State, error) {
	ordered := make([]model.Backend, len(healthy))
	copy(ordered, healthy)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	expanded := make([]model.Backend, 0, len(ordered))
	for _, b := range ordered {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, b)
		}
	}
	idx := int(state.Cursor % uint64(len(expanded)))
	state.Cursor++
	return expanded[idx], state, nil
}
