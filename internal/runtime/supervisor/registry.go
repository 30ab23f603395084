package supervisor

import (
	"maps"
	"slices"
	"sync"
)

// Registry names the live supervisors of each subsystem for /status and the
// goroutine gauges. A nil *Registry ignores writes and reads as empty.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers sup under name, replacing any previous one. A nil sup
// removes the entry, which lets callers pass a stopped component's nil
// Supervisor() straight through.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
	} else {
		r.m[name] = sup
	}
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.m))
}

// Snapshot returns a copy of the registry.
func (r *Registry) Snapshot() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.m)
}
