// Package registry holds the keyed definition store backing the container.
package registry

import "sync"

// Registry maps keys to definitions. A key holds at most one definition;
// registering an existing key replaces the previous definition.
// Registration order is preserved for iteration.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	defs  map[K]V
	order []K
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		defs: make(map[K]V),
	}
}

// Register stores def under key. If key was already present the previous
// definition is returned with replaced set to true. A replaced key keeps its
// original position in the iteration order.
func (r *Registry[K, V]) Register(key K, def V) (prev V, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced = r.defs[key]
	r.defs[key] = def
	if !replaced {
		r.order = append(r.order, key)
	}

	return prev, replaced
}

// Lookup returns the definition registered under key.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[key]
	return def, ok
}

// Has reports whether key is registered.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.defs[key]
	return ok
}

// Remove deletes key and reports whether it was present.
func (r *Registry[K, V]) Remove(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(key)
}

// RemoveIf deletes key only when match returns true for its current
// definition. It reports whether the key was removed.
func (r *Registry[K, V]) RemoveIf(key K, match func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[key]
	if !ok || !match(def) {
		return false
	}

	return r.removeLocked(key)
}

func (r *Registry[K, V]) removeLocked(key K) bool {
	if _, ok := r.defs[key]; !ok {
		return false
	}

	delete(r.defs, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return true
}

// Keys returns the registered keys in registration order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]K, len(r.order))
	copy(keys, r.order)
	return keys
}

// Len returns the number of registered keys.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}

// Clear removes every definition.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs = make(map[K]V)
	r.order = nil
}
