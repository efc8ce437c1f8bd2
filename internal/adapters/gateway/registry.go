package gateway

import "sync"

// Registry maps cascade ids to live sessions.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

func (r *Registry[T]) Put(id string, item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[id] = item
}

func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	return item, ok
}

// Remove deletes and returns the entry so concurrent lookups fail from now on.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return item, ok
}

// Drain empties the registry and returns what it held.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.items))
	for id, item := range r.items {
		out = append(out, item)
		delete(r.items, id)
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}
