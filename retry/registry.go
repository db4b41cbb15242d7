package retry

import (
	"github.com/hugolhafner/guardkit/registry"
)

// Registry caches retry policies by name, building missing ones with the
// registry's default options.
type Registry struct {
	inner *registry.Registry[*Policy]
}

func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		inner: registry.New(func(name string) (*Policy, error) {
			return NewPolicy(name, defaults...)
		}),
	}
}

func (r *Registry) GetOrCreate(name string) (*Policy, error) {
	return r.inner.GetOrCreate(name)
}

func (r *Registry) Get(name string) (*Policy, bool) {
	return r.inner.Get(name)
}

func (r *Registry) Remove(name string) (*Policy, bool) {
	return r.inner.Remove(name)
}

func (r *Registry) Replace(name string, p *Policy) (*Policy, bool) {
	return r.inner.Replace(name, p)
}

func (r *Registry) Names() []string {
	return r.inner.Names()
}
