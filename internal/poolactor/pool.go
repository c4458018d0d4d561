// Package poolactor implements the Pool actor: a single goroutine owning a
// backend set, algorithm state, and health flags, serializing every
// mutation and selection through one mailbox channel so counters and
// algorithm cursors never need external locks.
package poolactor

import (
	"context"
	"time"

	"github.com/singularity-edge/edge/internal/algorithm"
	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/backend"
	"github.com/singularity-edge/edge/internal/model"
)

type opKind int

const (
	opAddBackend opKind = iota
	opRemoveBackend
	opSelect
	opRelease
	opListBackends
	opStats
	opSetHealth
	opSnapshot
	opClose
)

type msg struct {
	kind    opKind
	backend model.Backend
	id      string
	healthy bool
	reply   chan result
}

type result struct {
	backend  model.Backend
	backends []model.Backend
	stats    model.PoolStats
	err      error
}

const mailboxSize = 256

// Pool is the actor handle. All exported methods are safe for concurrent
// use; they enqueue a message and wait for the single owning goroutine to
// reply.
type Pool struct {
	Config model.Pool

	mailbox chan msg
	done    chan struct{}
}

// New starts the actor goroutine for the given pool configuration and
// initial backend set (typically recovered from the Store on startup).
func New(cfg model.Pool, backends []model.Backend) *Pool {
	p := &Pool{
		Config:  cfg,
		mailbox: make(chan msg, mailboxSize),
		done:    make(chan struct{}),
	}
	go p.run(cfg, backends)
	return p
}

func (p *Pool) run(cfg model.Pool, initial []model.Backend) {
	defer close(p.done)

	backends := make([]model.Backend, len(initial))
	copy(backends, initial)
	state := algorithm.State{}

	indexOf := func(id string) int {
		for i, b := range backends {
			if b.ID == id {
				return i
			}
		}
		return -1
	}

	for m := range p.mailbox {
		switch m.kind {
		case opAddBackend:
			if indexOf(m.backend.ID) != -1 {
				m.reply <- result{err: apperr.New(apperr.AlreadyExists, "backend "+m.backend.ID+" already exists")}
				continue
			}
			b := m.backend
			b.Healthy = true // optimistic until first probe
			backends = append(backends, b)
			m.reply <- result{backend: b}

		case opRemoveBackend:
			idx := indexOf(m.id)
			if idx == -1 {
				m.reply <- result{err: apperr.New(apperr.NotFound, "backend "+m.id+" not found")}
				continue
			}
			backends = append(backends[:idx], backends[idx+1:]...)
			m.reply <- result{}

		case opSelect:
			chosen, newState, err := algorithm.Select(backends, cfg.Algorithm, state)
			if err != nil {
				m.reply <- result{err: err}
				continue
			}
			state = newState
			idx := indexOf(chosen.ID)
			backends[idx] = backend.IncConnections(backends[idx])
			m.reply <- result{backend: backends[idx]}

		case opRelease:
			idx := indexOf(m.id)
			if idx != -1 {
				backends[idx] = backend.DecConnections(backends[idx])
			}
			m.reply <- result{}

		case opSetHealth:
			idx := indexOf(m.id)
			if idx != -1 {
				backends[idx] = backend.SetHealth(backends[idx], m.healthy)
			}
			m.reply <- result{}

		case opListBackends, opSnapshot:
			snap := make([]model.Backend, len(backends))
			copy(snap, backends)
			m.reply <- result{backends: snap}

		case opStats:
			m.reply <- result{stats: computeStats(cfg, backends)}

		case opClose:
			m.reply <- result{}
			return
		}
	}
}

func computeStats(cfg model.Pool, backends []model.Backend) model.PoolStats {
	stats := model.PoolStats{PoolName: cfg.Name, Algorithm: cfg.Algorithm, TotalBackends: len(backends)}
	for _, b := range backends {
		if b.Healthy {
			stats.HealthyBackends++
		} else {
			stats.UnhealthyBackends++
		}
		stats.CurrentConns += b.CurrentConnections
		stats.TotalRequests += b.TotalRequests
	}
	return stats
}

func (p *Pool) call(ctx context.Context, m msg) (result, error) {
	reply := make(chan result, 1)
	m.reply = reply
	select {
	case p.mailbox <- m:
	case <-p.done:
		return result{}, apperr.New(apperr.NotFound, "pool "+p.Config.Name+" is closed")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	// The send above can still land in the buffer after run has already
	// returned (done closed but mailbox not drained), so guard the reply
	// wait with done too or a late AddBackend would block forever.
	select {
	case r := <-reply:
		return r, r.err
	case <-p.done:
		return result{}, apperr.New(apperr.NotFound, "pool "+p.Config.Name+" is closed")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// AddBackend rejects apperr.AlreadyExists if id collides.
func (p *Pool) AddBackend(ctx context.Context, b model.Backend) (model.Backend, error) {
	r, err := p.call(ctx, msg{kind: opAddBackend, backend: b})
	return r.backend, err
}

// RemoveBackend returns apperr.NotFound if id is absent.
func (p *Pool) RemoveBackend(ctx context.Context, id string) error {
	_, err := p.call(ctx, msg{kind: opRemoveBackend, id: id})
	return err
}

// SelectBackend chooses a backend under the pool's algorithm and increments
// its connection counters. Every successful call must be paired with
// exactly one ReleaseBackend — callers should use a scoped guard (see
// internal/httpproxy and internal/tcpproxy) rather than call this directly.
func (p *Pool) SelectBackend(ctx context.Context) (model.Backend, error) {
	r, err := p.call(ctx, msg{kind: opSelect})
	return r.backend, err
}

// ReleaseBackend decrements a previously selected backend's connection
// count. Always succeeds, even if the backend was since removed.
func (p *Pool) ReleaseBackend(ctx context.Context, id string) {
	_, _ = p.call(ctx, msg{kind: opRelease, id: id})
}

// SetHealth records a health transition from the HealthChecker. Never
// blocks the request path: called from the checker's own goroutine.
func (p *Pool) SetHealth(ctx context.Context, id string, healthy bool) {
	_, _ = p.call(ctx, msg{kind: opSetHealth, id: id, healthy: healthy})
}

// ListBackends returns a snapshot of every backend in the pool.
func (p *Pool) ListBackends(ctx context.Context) ([]model.Backend, error) {
	r, err := p.call(ctx, msg{kind: opListBackends})
	return r.backends, err
}

// Snapshot implements health.Targets.
func (p *Pool) Snapshot() []model.Backend {
	r, err := p.call(context.Background(), msg{kind: opSnapshot})
	if err != nil {
		return nil
	}
	return r.backends
}

// Stats returns the aggregate view of the pool's backends and algorithm.
func (p *Pool) Stats(ctx context.Context) (model.PoolStats, error) {
	r, err := p.call(ctx, msg{kind: opStats})
	return r.stats, err
}

// Close stops the actor goroutine, joining it before returning (used by
// pool deletion). The mailbox is deliberately left open: run has already
// returned by the time
// opClose's reply arrives, so nothing drains it, but closing it here would
// race any concurrent call() still selecting on a send.
func (p *Pool) Close(ctx context.Context) error {
	_, err := p.call(ctx, msg{kind: opClose})
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
	return err
}
