package store

import (
	"encoding/json"
	"time"

	"github.com/maypok86/otter"

	"github.com/singularity-edge/edge/internal/apperr"
	"github.com/singularity-edge/edge/internal/model"
)

const CertificatesTableName = "certificates"

// CertificatesTable is store.Engine restricted to the certificates table,
// typed over model.Certificate (indexes: domain, expires_at).
type CertificatesTable struct {
	engine *Engine
	cache  otter.Cache[string, model.Certificate]
}

func NewCertificatesTable(engine *Engine, cacheSize int) (*CertificatesTable, error) {
	engine.RegisterTable(TableSchema{
		Name:               CertificatesTableName,
		Indexes:            []string{"domain", "expires_at"},
		ExtractIndexValues: certificateIndexValues,
		ExtractUpdatedAt:   certificateUpdatedAt,
	})
	cache, err := otter.MustBuilder[string, model.Certificate](cacheSize).Build()
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "build certificate decode cache", err)
	}
	return &CertificatesTable{engine: engine, cache: cache}, nil
}

func certificateIndexValues(raw []byte) (map[string]string, error) {
	var c model.Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return map[string]string{
		"domain":     c.Domain,
		"expires_at": c.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func certificateUpdatedAt(raw []byte) (time.Time, error) {
	var c model.Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return time.Time{}, err
	}
	return c.UpdatedAt, nil
}

func (t *CertificatesTable) Put(c model.Certificate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "encode certificate", err)
	}
	if err := t.engine.Put(CertificatesTableName, c.ID, raw); err != nil {
		return err
	}
	t.cache.Set(c.ID, c)
	return nil
}

func (t *CertificatesTable) Get(id string) (model.Certificate, error) {
	if c, ok := t.cache.Get(id); ok {
		return c, nil
	}
	raw, err := t.engine.Get(CertificatesTableName, id)
	if err != nil {
		return model.Certificate{}, err
	}
	var c model.Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Certificate{}, apperr.Wrap(apperr.StorageError, "decode certificate", err)
	}
	t.cache.Set(id, c)
	return c, nil
}

func (t *CertificatesTable) Delete(id string) error {
	if err := t.engine.Delete(CertificatesTableName, id); err != nil {
		return err
	}
	t.cache.Delete(id)
	return nil
}

func (t *CertificatesTable) List() ([]model.Certificate, error) {
	raws, err := t.engine.List(CertificatesTableName)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Certificate](raws)
}

func (t *CertificatesTable) ByDomain(domain string) (model.Certificate, error) {
	raws, err := t.engine.IndexLookup(CertificatesTableName, "domain", domain)
	if err != nil {
		return model.Certificate{}, err
	}
	if len(raws) == 0 {
		return model.Certificate{}, apperr.New(apperr.NotFound, "certificate for domain "+domain+" not found")
	}
	certs, err := decodeAll[model.Certificate](raws)
	if err != nil {
		return model.Certificate{}, err
	}
	return certs[0], nil
}

func (t *CertificatesTable) Subscribe() (<-chan TypedEvent[model.Certificate], func()) {
	return subscribeTyped[model.Certificate](t.engine, CertificatesTableName)
}
