package bulkhead

import (
	"github.com/hugolhafner/guardkit/registry"
)

// Registry caches bulkheads by name, building missing ones with the
// registry's default options.
type Registry struct {
	inner *registry.Registry[Bulkhead]
}

func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		inner: registry.New(func(name string) (Bulkhead, error) {
			return New(name, defaults...), nil
		}),
	}
}

func (r *Registry) GetOrCreate(name string) Bulkhead {
	b, _ := r.inner.GetOrCreate(name)
	return b
}

func (r *Registry) Get(name string) (Bulkhead, bool) {
	return r.inner.Get(name)
}

func (r *Registry) Remove(name string) (Bulkhead, bool) {
	return r.inner.Remove(name)
}

func (r *Registry) Replace(name string, b Bulkhead) (Bulkhead, bool) {
	return r.inner.Replace(name, b)
}

func (r *Registry) Names() []string {
	return r.inner.Names()
}
