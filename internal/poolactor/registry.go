package poolactor

import (
	"context"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/health"
	"github.com/singularity-edge/edge/internal/model"
	"github.com/singularity-edge/edge/internal/store"
)

// ListenerManager lets the registry start or stop a TCP passthrough
// listener as ssl_mode=passthrough pools are created and deleted. It lives
// outside poolactor (cmd/edge supplies the implementation) so this package
// never has to import net or tcpproxy. A nil manager, the default, simply
// disables listener lifecycle management.
type ListenerManager interface {
	EnsureListener(pool model.Pool) error
	CloseListener(poolName string)
}

// Registry is the process-wide pool_name -> *Pool directory. xsync.Map
// shards its internal locking so the proxies, which read the registry on
// every request, never contend with each other or with
// the rarer add-pool/remove-pool admin calls (grounded on
// internal/topology/pool.go use of xsync.NewMap for the same read-mostly
// shape).
type Registry struct {
	pools      *xsync.Map[string, *entry]
	poolsTable *store.PoolsTable
	backends   *store.BackendsTable
	listeners  ListenerManager
}

type entry struct {
	pool    *Pool
	checker *health.Checker
}

// NewRegistry builds an empty registry backed by the given store tables. Callers
// should follow with Recover to repopulate it from persisted state.
func NewRegistry(poolsTable *store.PoolsTable, backendsTable *store.BackendsTable) *Registry {
	return &Registry{
		pools:      xsync.NewMap[string, *entry](),
		poolsTable: poolsTable,
		backends:   backendsTable,
	}
}

// SetListenerManager wires lm into the registry so every pool created,
// recovered, or deleted from here on notifies it. Call before Recover so
// passthrough pools restored from the store rebind their listeners too.
func (r *Registry) SetListenerManager(lm ListenerManager) {
	r.listeners = lm
}

// Recover loads every persisted pool and its backends from the store and
// starts an actor and HealthChecker for each, used on process startup.
func (r *Registry) Recover(ctx context.Context) error {
	pools, err := r.poolsTable.List()
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "list pools for recovery", err)
	}
	for _, p := range pools {
		backends, err := r.backends.ByPool(p.Name)
		if err != nil {
			return apperr.Wrap(apperr.StorageError, "list backends for pool "+p.Name, err)
		}
		r.start(p, backends)
	}
	return nil
}

func (r *Registry) start(cfg model.Pool, backends []model.Backend) {
	pool := New(cfg, backends)

	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = model.DefaultHealthCheckInterval
	}
	checker := health.New(cfg.Name, pool, interval, func(backendID string, healthy bool) {
		ctx := context.Background()
		pool.SetHealth(ctx, backendID, healthy)
		if b, err := pool.backendByID(ctx, backendID); err == nil {
			_ = r.backends.Put(b)
		}
	})
	checker.StartInterval(interval)

	r.pools.Store(cfg.Name, &entry{pool: pool, checker: checker})

	if r.listeners != nil {
		if err := r.listeners.EnsureListener(cfg); err != nil {
			log.Printf("poolactor: ensure listener for pool %s: %v", cfg.Name, err)
		}
	}
}

// CreatePool persists a new pool and starts its actor. Returns
// apperr.AlreadyExists if the name is taken.
func (r *Registry) CreatePool(ctx context.Context, cfg model.Pool) (model.Pool, error) {
	if _, ok := r.pools.Load(cfg.Name); ok {
		return model.Pool{}, apperr.New(apperr.AlreadyExists, "pool "+cfg.Name+" already exists")
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = model.DefaultHealthCheckInterval
	}
	if err := r.poolsTable.Put(cfg); err != nil {
		return model.Pool{}, err
	}
	r.start(cfg, nil)
	return cfg, nil
}

// Get returns the live actor handle for name, or apperr.NotFound.
func (r *Registry) Get(name string) (*Pool, error) {
	e, ok := r.pools.Load(name)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "pool "+name+" not found")
	}
	return e.pool, nil
}

// List returns the configuration of every registered pool.
func (r *Registry) List() []model.Pool {
	out := make([]model.Pool, 0)
	r.pools.Range(func(name string, e *entry) bool {
		out = append(out, e.pool.Config)
		return true
	})
	return out
}

// DeletePool stops the pool's HealthChecker and actor, closes any
// resources they held, removes it from the registry, and deletes its
// persisted record and backends, joining the actor goroutine before
// returning so no in-flight select can race the deletion.
func (r *Registry) DeletePool(ctx context.Context, name string) error {
	e, ok := r.pools.LoadAndDelete(name)
	if !ok {
		return apperr.New(apperr.NotFound, "pool "+name+" not found")
	}
	e.checker.Stop()
	if err := e.pool.Close(ctx); err != nil {
		return err
	}
	if r.listeners != nil {
		r.listeners.CloseListener(name)
	}
	backends, err := r.backends.ByPool(name)
	if err == nil {
		for _, b := range backends {
			_ = r.backends.Delete(b.ID)
		}
	}
	return r.poolsTable.Delete(name)
}

// AddBackend validates, persists, and registers a new backend on an
// existing pool.
func (r *Registry) AddBackend(ctx context.Context, poolName string, b model.Backend) (model.Backend, error) {
	pool, err := r.Get(poolName)
	if err != nil {
		return model.Backend{}, err
	}
	if pool.Config.SSLMode == model.SSLPassthrough && b.Scheme == "http" {
		return model.Backend{}, apperr.New(apperr.Validation, "pool "+poolName+" is ssl_mode=passthrough, backend must be https")
	}
	if b.Weight < 1 {
		return model.Backend{}, apperr.New(apperr.Validation, "backend "+b.ID+" weight must be at least 1")
	}
	b.PoolName = poolName
	added, err := pool.AddBackend(ctx, b)
	if err != nil {
		return model.Backend{}, err
	}
	if err := r.backends.Put(added); err != nil {
		pool.RemoveBackend(ctx, added.ID) //nolint:errcheck // best-effort rollback
		return model.Backend{}, err
	}
	return added, nil
}

// RemoveBackend deregisters and deletes the persisted record for a backend.
func (r *Registry) RemoveBackend(ctx context.Context, poolName, backendID string) error {
	pool, err := r.Get(poolName)
	if err != nil {
		return err
	}
	if err := pool.RemoveBackend(ctx, backendID); err != nil {
		return err
	}
	return r.backends.Delete(backendID)
}

// backendByID is a helper used only by the health-event callback to fetch
// the post-transition record for persistence.
func (p *Pool) backendByID(ctx context.Context, id string) (model.Backend, error) {
	backends, err := p.ListBackends(ctx)
	if err != nil {
		return model.Backend{}, err
	}
	for _, b := range backends {
		if b.ID == id {
			return b, nil
		}
	}
	return model.Backend{}, apperr.New(apperr.NotFound, "backend "+id+" not found")
}
