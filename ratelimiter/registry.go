package ratelimiter

import (
	"github.com/hugolhafner/guardkit/registry"
)

// Registry caches rate limiters by name, building missing ones with the
// registry's default options.
type Registry struct {
	inner *registry.Registry[RateLimiter]
}

func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		inner: registry.New(func(name string) (RateLimiter, error) {
			return New(name, defaults...), nil
		}),
	}
}

func (r *Registry) GetOrCreate(name string) RateLimiter {
	rl, _ := r.inner.GetOrCreate(name)
	return rl
}

func (r *Registry) Get(name string) (RateLimiter, bool) {
	return r.inner.Get(name)
}

func (r *Registry) Remove(name string) (RateLimiter, bool) {
	return r.inner.Remove(name)
}

func (r *Registry) Replace(name string, rl RateLimiter) (RateLimiter, bool) {
	return r.inner.Replace(name, rl)
}

func (r *Registry) Names() []string {
	return r.inner.Names()
}
