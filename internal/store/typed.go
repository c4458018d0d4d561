package store

import "encoding/json"

// TypedEvent is Event with its payload decoded into T.
type TypedEvent[T any] struct {
	Key     string
	Kind    EventKind
	Value   T
	HasData bool
}

// subscribeTyped decodes an Engine's raw Subscribe feed for table into T,
// shared by BackendsTable, PoolsTable, and CertificatesTable.
func subscribeTyped[T any](engine *Engine, table string) (<-chan TypedEvent[T], func()) {
	raw, cancel := engine.Subscribe(table)
	out := make(chan TypedEvent[T], subscriberQueueSize)

	go func() {
		defer close(out)
		for ev := range raw {
			te := TypedEvent[T]{Key: ev.Key, Kind: ev.Kind}
			if ev.Kind == EventPut {
				var v T
				if err := json.Unmarshal(ev.Value, &v); err == nil {
					te.Value = v
					te.HasData = true
				}
			}
			out <- te
		}
	}()

	return out, cancel
}
