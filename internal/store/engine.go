// Package store implements the replicated, on-disk key/value engine: three
// logical tables (pools, backends, certificates) over one ordered
// keyspace, secondary indexes as separate prefix ranges, and a
// subscribe/watch feed that local writes and cluster replication both
// publish through.
//
// The underlying engine is goleveldb, a real embeddable LSM
// (log-structured-merge) store. Table separation, which goleveldb has no
// native notion of, is a key prefix; the teleport backend.Backend
// interface (Put/Get/GetRange/Delete/NewWatcher) is the closest analog
// available and shaped this engine's Subscribe/Watcher pairing.
package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/xxh3"

	"github.com/singularity-edge/edge/internal/apperr"
)

// EventKind distinguishes a Put from a Delete in the Subscribe feed.
type EventKind int

const (
	EventPut EventKind = iota
	EventDelete
)

// Event is one change notification, published for both local writes and
// writes received from cluster peers.
type Event struct {
	Table string
	Key   string
	Kind  EventKind
	Value []byte // nil for EventDelete
}

// TableSchema tells the Engine how to maintain secondary indexes and resolve
// last-write-wins conflicts for one logical table.
type TableSchema struct {
	Name    string
	Indexes []string
	// ExtractIndexValues returns field -> string value for every field in
	// Indexes, decoded from a raw JSON record.
	ExtractIndexValues func(value []byte) (map[string]string, error)
	// ExtractUpdatedAt returns the record's updated_at, the clock used for
	// last-write-wins conflict resolution.
	ExtractUpdatedAt func(value []byte) (time.Time, error)
}

const subscriberQueueSize = 256

// Engine is the single on-disk store shared across all Pools: per-key
// writes are linearizable locally; replication from cluster peers is
// eventually consistent and resolved last-write-wins.
type Engine struct {
	db *leveldb.DB

	mu      sync.RWMutex
	schemas map[string]TableSchema
	subs    map[string][]chan Event
}

// Open opens (creating if absent) the LSM store rooted at dir.
func Open(dir string) (*Engine, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "open store", err)
	}
	return &Engine{
		db:      db,
		schemas: make(map[string]TableSchema),
		subs:    make(map[string][]chan Event),
	}, nil
}

// Close releases the underlying engine handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// RegisterTable installs the indexing/conflict-resolution schema for a
// table. Must be called before Put/Delete are used against that table.
func (e *Engine) RegisterTable(schema TableSchema) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schemas[schema.Name] = schema
}

func (e *Engine) schemaFor(table string) (TableSchema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schemas[table]
	return s, ok
}

func primaryKey(table, key string) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s", table, key))
}

func primaryPrefix(table string) []byte {
	return []byte(fmt.Sprintf("rec:%s:", table))
}

// indexHash bounds index key length regardless of the indexed value's
// length (a backend id embeds an arbitrary URL) using a fast non-cryptographic
// hash, the same technique Resinat-Resin uses to derive fixed-width node
// identities from arbitrary-length configuration (internal/node.Hash).
func indexHash(value string) string {
	h := xxh3.HashString128(value)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h.Hi)
	return hex.EncodeToString(buf[:])
}

func indexKey(table, field, value, key string) []byte {
	return []byte(fmt.Sprintf("idx:%s:%s:%s:%s", table, field, indexHash(value), key))
}

func indexPrefix(table, field, value string) []byte {
	return []byte(fmt.Sprintf("idx:%s:%s:%s:", table, field, indexHash(value)))
}

// Put durably writes record under key, repairing secondary indexes in the
// same batch, and publishes a change event to local subscribers.
func (e *Engine) Put(table, key string, value []byte) error {
	return e.put(table, key, value, false, time.Time{})
}

// PutReplicated applies a write received from a cluster peer, skipping it
// if the locally stored record is not older (last-write-wins on
// updated_at: the clock is each node's own local wall clock at write time,
// never the sender's).
func (e *Engine) PutReplicated(table, key string, value []byte, remoteUpdatedAt time.Time) error {
	return e.put(table, key, value, true, remoteUpdatedAt)
}

func (e *Engine) put(table, key string, value []byte, replicated bool, remoteUpdatedAt time.Time) error {
	schema, ok := e.schemaFor(table)
	if !ok {
		return apperr.New(apperr.StorageError, fmt.Sprintf("unregistered table %q", table))
	}

	pk := primaryKey(table, key)
	old, err := e.db.Get(pk, nil)
	hasOld := err == nil
	if err != nil && err != leveldb.ErrNotFound {
		return apperr.Wrap(apperr.StorageError, "read existing record", err)
	}

	if replicated && hasOld && schema.ExtractUpdatedAt != nil {
		localUpdatedAt, err := schema.ExtractUpdatedAt(old)
		if err == nil && !remoteUpdatedAt.After(localUpdatedAt) {
			return nil // local copy is not older: last-write-wins drops this write
		}
	}

	batch := new(leveldb.Batch)

	var oldFields map[string]string
	if hasOld && schema.ExtractIndexValues != nil {
		oldFields, _ = schema.ExtractIndexValues(old)
	}
	var newFields map[string]string
	if schema.ExtractIndexValues != nil {
		newFields, err = schema.ExtractIndexValues(value)
		if err != nil {
			return apperr.Wrap(apperr.Validation, "extract index values", err)
		}
	}
	for _, field := range schema.Indexes {
		if ov, ok := oldFields[field]; ok {
			batch.Delete(indexKey(table, field, ov, key))
		}
		if nv, ok := newFields[field]; ok {
			batch.Put(indexKey(table, field, nv, key), []byte(key))
		}
	}
	batch.Put(pk, value)

	if err := e.db.Write(batch, nil); err != nil {
		return apperr.Wrap(apperr.StorageError, "commit write", err)
	}

	e.publish(table, Event{Table: table, Key: key, Kind: EventPut, Value: value})
	return nil
}

// Get returns the record stored under key, or apperr.NotFound.
func (e *Engine) Get(table, key string) ([]byte, error) {
	v, err := e.db.Get(primaryKey(table, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("%s/%s not found", table, key))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "read record", err)
	}
	return v, nil
}

// List returns an unordered snapshot of every record in table.
func (e *Engine) List(table string) ([][]byte, error) {
	it := e.db.NewIterator(util.BytesPrefix(primaryPrefix(table)), nil)
	defer it.Release()

	var out [][]byte
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out = append(out, v)
	}
	if err := it.Error(); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "list records", err)
	}
	return out, nil
}

// Delete removes key from table. Idempotent: succeeds even if key is absent.
func (e *Engine) Delete(table, key string) error {
	schema, ok := e.schemaFor(table)
	if !ok {
		return apperr.New(apperr.StorageError, fmt.Sprintf("unregistered table %q", table))
	}

	pk := primaryKey(table, key)
	old, err := e.db.Get(pk, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageError, "read existing record", err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(pk)
	if schema.ExtractIndexValues != nil {
		if fields, err := schema.ExtractIndexValues(old); err == nil {
			for field, value := range fields {
				batch.Delete(indexKey(table, field, value, key))
			}
		}
	}
	if err := e.db.Write(batch, nil); err != nil {
		return apperr.Wrap(apperr.StorageError, "commit delete", err)
	}

	e.publish(table, Event{Table: table, Key: key, Kind: EventDelete})
	return nil
}

// IndexLookup returns every record in table whose indexed field equals
// value exactly.
func (e *Engine) IndexLookup(table, field, value string) ([][]byte, error) {
	it := e.db.NewIterator(util.BytesPrefix(indexPrefix(table, field, value)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		full := string(it.Key())
		parts := strings.SplitN(full, ":", 5)
		if len(parts) == 5 {
			keys = append(keys, parts[4])
		}
	}
	if err := it.Error(); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "index scan", err)
	}

	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		v, err := e.Get(table, key)
		if err != nil {
			continue // record removed between index scan and fetch
		}
		out = append(out, v)
	}
	return out, nil
}

// Subscribe returns a channel of change events for table (including those
// received from cluster peers) and a cancel function to stop delivery.
func (e *Engine) Subscribe(table string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueSize)

	e.mu.Lock()
	e.subs[table] = append(e.subs[table], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subs[table]
		for i, c := range subs {
			if c == ch {
				e.subs[table] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

func (e *Engine) publish(table string, ev Event) {
	e.mu.RLock()
	subs := e.subs[table]
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Printf("store: subscriber for %s lagging, dropping event for %s", table, ev.Key)
		}
	}
}
