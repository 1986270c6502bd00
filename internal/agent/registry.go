package agent

import (
	"fmt"
	"sync"
	"time"
)

// Descriptor is the static registration record for one agent: who it is and
// what it can do. Runtime liveness lives in the state store, not here.
type Descriptor struct {
	ID                 string
	Name               string
	Capabilities       []Capability
	MaxConcurrentTasks int
	RegisteredAt       time.Time
}

// Has reports whether the descriptor lists the given capability.
func (d *Descriptor) Has(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Validate checks the descriptor's required fields.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("agent %s declares no capabilities", d.ID)
	}
	for _, c := range d.Capabilities {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", d.ID, err)
		}
	}
	if d.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("agent %s: max concurrent tasks must be positive", d.ID)
	}
	return nil
}

// Registry holds the known agents of a Station instance. Iteration order is
// registration order, which keeps routing and assignment deterministic when
// scores tie.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Descriptor
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Descriptor)}
}

// Register adds an agent. Re-registering an existing id replaces its
// descriptor but keeps its original position.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.agents[d.ID] = d
	return nil
}

// Deregister removes an agent. Removing an unknown id is a no-op.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agentID]; !exists {
		return
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the descriptor for an agent id, or nil when unknown.
func (r *Registry) Get(agentID string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// All returns every registered agent in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FindByCapability returns the agents advertising the given capability, in
// registration order, skipping any ids in the exclusion set.
func (r *Registry) FindByCapability(cap Capability, exclude map[string]bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0)
	for _, id := range r.order {
		if exclude[id] {
			continue
		}
		d := r.agents[id]
		if d.Has(cap) {
			out = append(out, d)
		}
	}
	return out
}
