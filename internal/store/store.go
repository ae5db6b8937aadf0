// Package store is the config snapshot store: one typed, versioned,
// in-memory collection per entity kind, fed by a watch transport (etcd,
// see watch_etcd.go) or local mutation (the management API, the Docker
// watcher), fanning out change notifications to dependent derivations (the
// HTTP, SSL and stream routers, the SSL certificate cache, the xDS snapshot
// builder).
package store

import (
	"fmt"
	"sync"
)

// Collection is a thread-safe, versioned, in-memory map of entities of type
// T keyed by id. Reads never block writers for long and always observe a
// single consistent snapshot, guarded by one RWMutex.
type Collection[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	version uint64

	// onChange callbacks fire after every mutation, outside the lock,
	// since a callback often needs a read lock of its own (e.g. to rebuild
	// a router), and calling it under the write lock would deadlock.
	onChange []func()
}

// NewCollection creates an empty Collection.
func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{items: make(map[string]T)}
}

// OnChange registers fn to be called after each mutation, in registration
// order. Several derivations can watch the same collection (the route tree
// and the xDS snapshot builder both depend on Routes).
func (c *Collection[T]) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Get returns the entity with id, or the zero value and false.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	return v, ok
}

// Iterate returns a snapshot-consistent copy of every entity currently in
// the collection. Snapshot-consistent: callers never observe a partial
// update mid-iteration because the copy is taken under a single RLock.
func (c *Collection[T]) Iterate() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	return out
}

// Version returns the collection's current monotonic version counter.
func (c *Collection[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Upsert inserts or replaces the entity under id, bumping the collection
// version and firing onChange. setVersion lets the caller stamp the
// per-entity Version field before it's stored, since entities carry their
// own modifiedIndex verbatim.
func (c *Collection[T]) Upsert(id string, v T, setVersion func(T, uint64) T) {
	c.mu.Lock()
	c.version++
	if setVersion != nil {
		v = setVersion(v, c.version)
	}
	c.items[id] = v
	cbs := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Delete removes the entity under id. Returns an error if it wasn't
// present.
func (c *Collection[T]) Delete(id string) error {
	c.mu.Lock()
	if _, ok := c.items[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("entity %q not found", id)
	}
	delete(c.items, id)
	c.version++
	cbs := append([]func(){}, c.onChange...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return nil
}

// Store bundles one Collection per entity kind plus a shared health flag
// reflecting the watch transport's connection state.
type Store struct {
	Routes        *Collection[*Route]
	Services      *Collection[*Service]
	Upstreams     *Collection[*Upstream]
	Consumers     *Collection[*Consumer]
	SSLCerts      *Collection[*SSL]
	GlobalRules   *Collection[*GlobalRule]
	PluginConfigs *Collection[*PluginConfigSet]
	StreamRoutes  *Collection[*StreamRoute]

	healthMu sync.RWMutex
	healthy  bool
}

// New creates an empty Store with all collections initialized and marked
// healthy (no watch transport attached yet counts as healthy — unhealthy is
// reserved for an observed disconnection, not "not yet started").
func New() *Store {
	return &Store{
		Routes:        NewCollection[*Route](),
		Services:      NewCollection[*Service](),
		Upstreams:     NewCollection[*Upstream](),
		Consumers:     NewCollection[*Consumer](),
		SSLCerts:      NewCollection[*SSL](),
		GlobalRules:   NewCollection[*GlobalRule](),
		PluginConfigs: NewCollection[*PluginConfigSet](),
		StreamRoutes:  NewCollection[*StreamRoute](),
		healthy:       true,
	}
}

// SetHealthy updates the observable watch-health flag.
func (s *Store) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthy = healthy
}

// Healthy reports whether the watch transport is currently connected.
func (s *Store) Healthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// OnAnyChange registers fn on every collection's OnChange, for a consumer
// that must rebuild whenever any entity kind changes. A derivation that
// depends on one kind (the router on Routes, for instance) calls OnChange
// on that specific Collection instead.
func (s *Store) OnAnyChange(fn func()) {
	s.Routes.OnChange(fn)
	s.Services.OnChange(fn)
	s.Upstreams.OnChange(fn)
	s.Consumers.OnChange(fn)
	s.SSLCerts.OnChange(fn)
	s.GlobalRules.OnChange(fn)
	s.PluginConfigs.OnChange(fn)
	s.StreamRoutes.OnChange(fn)
}
