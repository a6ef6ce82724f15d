package workflow

import (
	"fmt"
	"sync"

	"github.com/loomery/loom"
)

// Registry maps workflow ids to built definitions. It is safe for
// concurrent use; registration normally happens at startup and lookups
// happen per transaction.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition to the registry. Re-registering an id
// replaces the previous definition, which keeps hot-reload style setups
// simple; running transactions keep their in-flight definition.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("workflow: nil definition")
	}
	if def.ID == "" {
		return fmt.Errorf("workflow: definition has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition registered under the given id.
func (r *Registry) Get(workflowID string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, loom.ErrWorkflowNotFound)
	}
	return def, nil
}

// IDs returns the ids of all registered workflows.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	return out
}
