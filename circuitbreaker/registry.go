package circuitbreaker

import (
	"github.com/hugolhafner/guardkit/registry"
)

// Registry caches circuit breakers by name, building missing ones with the
// registry's default options.
type Registry struct {
	inner *registry.Registry[CircuitBreaker]
}

func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		inner: registry.New(func(name string) (CircuitBreaker, error) {
			return New(name, defaults...), nil
		}),
	}
}

// GetOrCreate returns the breaker registered under name; concurrent first
// access constructs exactly one instance.
func (r *Registry) GetOrCreate(name string) CircuitBreaker {
	cb, _ := r.inner.GetOrCreate(name)
	return cb
}

func (r *Registry) Get(name string) (CircuitBreaker, bool) {
	return r.inner.Get(name)
}

func (r *Registry) Remove(name string) (CircuitBreaker, bool) {
	return r.inner.Remove(name)
}

func (r *Registry) Replace(name string, cb CircuitBreaker) (CircuitBreaker, bool) {
	return r.inner.Replace(name, cb)
}

func (r *Registry) Names() []string {
	return r.inner.Names()
}
