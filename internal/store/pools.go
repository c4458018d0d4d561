package store

import (
	"encoding/json"
	"time"

	"github.com/maypok86/otter"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

const PoolsTableName = "pools"

// PoolsTable is store.Engine restricted to the pools table, typed over
// model.Pool. Pools has no secondary indexes.
type PoolsTable struct {
	engine *Engine
	cache  otter.Cache[string, model.Pool]
}

func NewPoolsTable(engine *Engine, cacheSize int) (*PoolsTable, error) {
	engine.RegisterTable(TableSchema{
		Name:             PoolsTableName,
		ExtractUpdatedAt: poolUpdatedAt,
	})
	cache, err := otter.MustBuilder[string, model.Pool](cacheSize).Build()
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "build pool decode cache", err)
	}
	return &PoolsTable{engine: engine, cache: cache}, nil
}

func poolUpdatedAt(raw []byte) (time.Time, error) {
	var p model.Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return time.Time{}, err
	}
	return p.UpdatedAt, nil
}

func (t *PoolsTable) Put(p model.Pool) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "encode pool", err)
	}
	if err := t.engine.Put(PoolsTableName, p.Name, raw); err != nil {
		return err
	}
	t.cache.Set(p.Name, p)
	return nil
}

func (t *PoolsTable) Get(name string) (model.Pool, error) {
	if p, ok := t.cache.Get(name); ok {
		return p, nil
	}
	raw, err := t.engine.Get(PoolsTableName, name)
	if err != nil {
		return model.Pool{}, err
	}
	var p model.Pool
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Pool{}, apperr.Wrap(apperr.StorageError, "decode pool", err)
	}
	t.cache.Set(name, p)
	return p, nil
}

func (t *PoolsTable) Delete(name string) error {
	if err := t.engine.Delete(PoolsTableName, name); err != nil {
		return err
	}
	t.cache.Delete(name)
	return nil
}

func (t *PoolsTable) List() ([]model.Pool, error) {
	raws, err := t.engine.List(PoolsTableName)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Pool](raws)
}

// Subscribe decodes the engine's raw pools feed into typed events.
func (t *PoolsTable) Subscribe() (<-chan TypedEvent[model.Pool], func()) {
	return subscribeTyped[model.Pool](t.engine, PoolsTableName)
}
