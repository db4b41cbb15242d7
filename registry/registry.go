package registry

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry is a named-instance cache for one primitive kind. Concurrent
// first access to a name constructs exactly one instance; later lookups
// return the cached one.
type Registry[T any] struct {
	build func(name string) (T, error)

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]T
}

func New[T any](build func(name string) (T, error)) *Registry[T] {
	return &Registry[T]{
		build:   build,
		entries: make(map[string]T),
	}
}

// GetOrCreate returns the instance registered under name, building it with
// the registry's builder on first access.
func (r *Registry[T]) GetOrCreate(name string) (T, error) {
	r.mu.RLock()
	instance, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return instance, nil
	}

	result, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.entries[name]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := r.build(name)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.entries[name] = built
		r.mu.Unlock()
		return built, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result.(T), nil
}

// Get returns the instance registered under name, if any.
func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.entries[name]
	return instance, ok
}

// Replace registers instance under name, displacing any previous one, and
// returns the displaced instance.
func (r *Registry[T]) Replace(name string, instance T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok := r.entries[name]
	r.entries[name] = instance
	return previous, ok
}

// Remove drops the instance registered under name and returns it.
func (r *Registry[T]) Remove(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	return instance, ok
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
