package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per named upstream dependency. It is
// constructed once at process start and shared by all requests.
type Registry struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	breakers  map[string]*Breaker
}

func NewRegistry(threshold int, coolDown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		coolDown:  coolDown,
		breakers:  map[string]*Breaker{},
	}
}

// For returns the breaker for a dependency, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.threshold, r.coolDown)
		r.breakers[name] = b
	}
	return b
}

// Open reports whether the named dependency's circuit is currently open.
// Unknown dependencies report false.
func (r *Registry) Open(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return b.State() == StateOpen
}

// Snapshots returns stable-ordered views of every breaker for readiness
// probes.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	breakers := make([]*Breaker, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
