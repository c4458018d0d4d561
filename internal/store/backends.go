package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/maypok86/otter"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

// BackendsTable is store.Engine restricted to the backends table, typed
// over model.Backend. It keeps an in-process decode cache (otter) in front
// of the engine's JSON encode/decode path — a performance detail distinct
// from HTTP response caching on the request path, never touched here.
const BackendsTableName = "backends"

type BackendsTable struct {
	engine *Engine
	cache  otter.Cache[string, model.Backend]
}

// NewBackendsTable registers the backends schema (indexes: pool_name,
// healthy) and wraps engine with typed accessors.
func NewBackendsTable(engine *Engine, cacheSize int) (*BackendsTable, error) {
	engine.RegisterTable(TableSchema{
		Name:               BackendsTableName,
		Indexes:            []string{"pool_name", "healthy"},
		ExtractIndexValues: backendIndexValues,
		ExtractUpdatedAt:   backendUpdatedAt,
	})
	cache, err := otter.MustBuilder[string, model.Backend](cacheSize).Build()
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "build backend decode cache", err)
	}
	return &BackendsTable{engine: engine, cache: cache}, nil
}

func backendIndexValues(raw []byte) (map[string]string, error) {
	var b model.Backend
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return map[string]string{
		"pool_name": b.PoolName,
		"healthy":   strconv.FormatBool(b.Healthy),
	}, nil
}

func backendUpdatedAt(raw []byte) (time.Time, error) {
	var b model.Backend
	if err := json.Unmarshal(raw, &b); err != nil {
		return time.Time{}, err
	}
	return b.UpdatedAt, nil
}

func (t *BackendsTable) Put(b model.Backend) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "encode backend", err)
	}
	if err := t.engine.Put(BackendsTableName, b.ID, raw); err != nil {
		return err
	}
	t.cache.Set(b.ID, b)
	return nil
}

func (t *BackendsTable) Get(id string) (model.Backend, error) {
	if b, ok := t.cache.Get(id); ok {
		return b, nil
	}
	raw, err := t.engine.Get(BackendsTableName, id)
	if err != nil {
		return model.Backend{}, err
	}
	var b model.Backend
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Backend{}, apperr.Wrap(apperr.StorageError, "decode backend", err)
	}
	t.cache.Set(id, b)
	return b, nil
}

func (t *BackendsTable) Delete(id string) error {
	if err := t.engine.Delete(BackendsTableName, id); err != nil {
		return err
	}
	t.cache.Delete(id)
	return nil
}

func (t *BackendsTable) List() ([]model.Backend, error) {
	raws, err := t.engine.List(BackendsTableName)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Backend](raws)
}

func (t *BackendsTable) ByPool(poolName string) ([]model.Backend, error) {
	raws, err := t.engine.IndexLookup(BackendsTableName, "pool_name", poolName)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Backend](raws)
}

func (t *BackendsTable) ByHealthy(healthy bool) ([]model.Backend, error) {
	raws, err := t.engine.IndexLookup(BackendsTableName, "healthy", strconv.FormatBool(healthy))
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Backend](raws)
}

// Subscribe decodes the engine's raw backends feed into typed events.
func (t *BackendsTable) Subscribe() (<-chan TypedEvent[model.Backend], func()) {
	return subscribeTyped[model.Backend](t.engine, BackendsTableName)
}

func decodeAll[T any](raws [][]byte) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, fmt.Sprintf("decode %T", v), err)
		}
		out = append(out, v)
	}
	return out, nil
}
