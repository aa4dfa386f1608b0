// Package graph is the client boundary to the replicated key/value graph
// store the chat synchronizes against. The store is multi-writer and
// eventually consistent: it guarantees last-write-wins per field and nothing
// else. Subscribers may see the same logical write zero, one, or many times,
// in any order, interleaved with historical writes. Every consumer of this
// package must be idempotent.
package graph

import "context"

// Handler receives a record value and the key it is stored under.
// A nil value is a tombstone or malformed write surfacing as null.
type Handler func(value map[string]any, key string)

// Node is a handle to a path in the graph.
type Node interface {
	// Path returns the full slash-separated path of this node.
	Path() string

	// Get returns a child node.
	Get(key string) Node

	// Put writes the record at this node, merging fields last-write-wins.
	// A nil value tombstones the record. Absence of an error means the
	// write was accepted locally, not that it has propagated.
	Put(ctx context.Context, value map[string]any) error

	// Set writes the record under a freshly generated child key and
	// returns that key.
	Set(ctx context.Context, value map[string]any) (string, error)

	// On subscribes to this node's record. The current record, if any, is
	// delivered before live updates. Returns an unsubscribe function.
	On(h Handler) func()

	// MapOn subscribes to every child record of this node, existing
	// children first. Returns an unsubscribe function.
	MapOn(h Handler) func()

	// Off releases every subscription registered through this handle.
	Off()
}

// Store is the root of the graph.
type Store interface {
	Get(key string) Node
	Close() error
}
