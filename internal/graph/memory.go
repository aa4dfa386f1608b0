package graph

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the local replica of the graph. It delivers events
// synchronously and in-process; the relay transport feeds remote writes into
// it through applyRemote, and pushes local writes out through the writeHook.
// It is also used standalone in tests and for offline operation.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]map[string]any
	children  map[string][]string
	childSeen map[string]map[string]bool
	valueSubs map[string]map[int]Handler
	mapSubs   map[string]map[int]Handler
	nextSub   int

	// writeHook, when set, receives every locally originated put.
	writeHook func(path string, value map[string]any)

	// readHook, when set, receives the path of every new subscription so
	// the transport can request that part of the graph from its peers.
	readHook func(path string)
}

// NewMemoryStore creates an empty local replica.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]map[string]any),
		children:  make(map[string][]string),
		childSeen: make(map[string]map[string]bool),
		valueSubs: make(map[string]map[int]Handler),
		mapSubs:   make(map[string]map[int]Handler),
	}
}

// Get returns the node at the given root key.
func (s *MemoryStore) Get(key string) Node {
	return &memNode{store: s, path: key}
}

// Close is a no-op for the in-memory replica.
func (s *MemoryStore) Close() error { return nil }

// put merges a record at path and notifies subscribers. local indicates the
// write originated here and should be forwarded to the relay hook.
func (s *MemoryStore) put(path string, value map[string]any, local bool) {
	key := lastSegment(path)
	parent := parentPath(path)

	s.mu.Lock()
	if value == nil {
		delete(s.records, path)
	} else {
		rec := s.records[path]
		if rec == nil {
			rec = make(map[string]any, len(value))
			s.records[path] = rec
		}
		for k, v := range value {
			rec[k] = v
		}
	}
	if parent != "" {
		seen := s.childSeen[parent]
		if seen == nil {
			seen = make(map[string]bool)
			s.childSeen[parent] = seen
		}
		if !seen[key] {
			seen[key] = true
			s.children[parent] = append(s.children[parent], key)
		}
	}
	snapshot := cloneRecord(s.records[path])
	handlers := collectHandlers(s.valueSubs[path])
	var mapHandlers []Handler
	if parent != "" {
		mapHandlers = collectHandlers(s.mapSubs[parent])
	}
	hook := s.writeHook
	s.mu.Unlock()

	// Handlers run outside the lock so they may call back into the store.
	for _, h := range handlers {
		h(snapshot, key)
	}
	for _, h := range mapHandlers {
		h(snapshot, key)
	}
	if local && hook != nil {
		hook(path, value)
	}
}

// applyRemote merges a write received from a relay peer.
func (s *MemoryStore) applyRemote(path string, value map[string]any) {
	s.put(path, value, false)
}

func (s *MemoryStore) subscribeValue(path string, h Handler) int {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	subs := s.valueSubs[path]
	if subs == nil {
		subs = make(map[int]Handler)
		s.valueSubs[path] = subs
	}
	subs[id] = h
	current := cloneRecord(s.records[path])
	hook := s.readHook
	s.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	if current != nil {
		h(current, lastSegment(path))
	}
	return id
}

func (s *MemoryStore) subscribeMap(path string, h Handler) int {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	subs := s.mapSubs[path]
	if subs == nil {
		subs = make(map[int]Handler)
		s.mapSubs[path] = subs
	}
	subs[id] = h
	type pair struct {
		value map[string]any
		key   string
	}
	var backlog []pair
	for _, key := range s.children[path] {
		backlog = append(backlog, pair{cloneRecord(s.records[path+"/"+key]), key})
	}
	hook := s.readHook
	s.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	for _, p := range backlog {
		h(p.value, p.key)
	}
	return id
}

func (s *MemoryStore) unsubscribe(path string, id int, mapped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mapped {
		delete(s.mapSubs[path], id)
	} else {
		delete(s.valueSubs[path], id)
	}
}

type memNode struct {
	store *MemoryStore
	path  string

	mu   sync.Mutex
	offs []func()
}

func (n *memNode) Path() string { return n.path }

func (n *memNode) Get(key string) Node {
	return &memNode{store: n.store, path: n.path + "/" + key}
}

func (n *memNode) Put(_ context.Context, value map[string]any) error {
	n.store.put(n.path, value, true)
	return nil
}

func (n *memNode) Set(ctx context.Context, value map[string]any) (string, error) {
	key := uuid.NewString()
	if err := n.Get(key).Put(ctx, value); err != nil {
		return "", err
	}
	return key, nil
}

func (n *memNode) On(h Handler) func() {
	id := n.store.subscribeValue(n.path, h)
	off := func() { n.store.unsubscribe(n.path, id, false) }
	n.track(off)
	return off
}

func (n *memNode) MapOn(h Handler) func() {
	id := n.store.subscribeMap(n.path, h)
	off := func() { n.store.unsubscribe(n.path, id, true) }
	n.track(off)
	return off
}

func (n *memNode) Off() {
	n.mu.Lock()
	offs := n.offs
	n.offs = nil
	n.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (n *memNode) track(off func()) {
	n.mu.Lock()
	n.offs = append(n.offs, off)
	n.mu.Unlock()
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func lastSegment(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func cloneRecord(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func collectHandlers(subs map[int]Handler) []Handler {
	if len(subs) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}
