package campaign

import (
	"fmt"
	"sync"
)

// Registry tracks the live coordinator for each registered plan. The
// control plane resolves plan ids through it; coordinators are injected,
// never constructed here.
type Registry struct {
	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{coordinators: make(map[string]*Coordinator)}
}

// Register adds a coordinator under its plan id. Re-registering an
// existing plan id is an error; a plan has exactly one coordinator.
func (r *Registry) Register(c *Coordinator) error {
	planID := c.Plan().PlanID
	if planID == "" {
		return fmt.Errorf("plan id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.coordinators[planID]; exists {
		return fmt.Errorf("plan %s is already registered", planID)
	}
	r.coordinators[planID] = c
	return nil
}

// Get returns the coordinator for a plan id.
func (r *Registry) Get(planID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coordinators[planID]
	return c, ok
}

// PlanIDs lists the registered plan ids.
func (r *Registry) PlanIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.coordinators))
	for id := range r.coordinators {
		ids = append(ids, id)
	}
	return ids
}
