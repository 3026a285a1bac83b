package planner

import (
	"sort"
	"sync"
)

// Registry hands out one planner per key, so concurrent harvests of
// different contracts keep separate histories.
type Registry struct {
	config Config

	mu       sync.Mutex
	planners map[string]*Planner
}

// NewRegistry creates a registry whose planners share cfg.
func NewRegistry(cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{config: cfg, planners: make(map[string]*Planner)}, nil
}

// Get returns the planner for key, creating it on first use.
func (r *Registry) Get(key string) *Planner {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.planners[key]; ok {
		return p
	}
	name := key
	if name == "" {
		name = "default"
	}
	// config was validated by NewRegistry.
	p, _ := New(name, r.config)
	r.planners[key] = p
	return p
}

// Stats returns stats for every planner by key.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.planners))
	planners := make([]*Planner, 0, len(r.planners))
	for k, p := range r.planners {
		keys = append(keys, k)
		planners = append(planners, p)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(keys))
	for i, k := range keys {
		out[k] = planners[i].Stats()
	}
	return out
}

// Keys returns the registered keys in order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.planners))
	for k := range r.planners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
