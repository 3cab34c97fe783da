package resilience

import (
	"sort"
	"sync"
)

// Registry manages one circuit breaker per protected resource, creating
// them lazily so sources discovered at runtime get fenced automatically.
type Registry struct {
	mu       sync.Mutex
	defaults Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry. Every breaker it creates inherits the
// given defaults, including the OnStateChange hook.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the resource, creating it on first use.
func (r *Registry) Get(resource string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	config := r.defaults
	config.Name = resource
	cb := NewCircuitBreaker(config)
	r.breakers[resource] = cb
	return cb
}

// Lookup returns the breaker for the resource without creating one.
func (r *Registry) Lookup(resource string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[resource]
	return cb, ok
}

// Names returns the tracked resources in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the current stats of every tracked breaker.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Resource < stats[j].Resource })
	return stats
}

// Reset closes the breaker for the resource, if one exists.
func (r *Registry) Reset(resource string) bool {
	cb, ok := r.Lookup(resource)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}
