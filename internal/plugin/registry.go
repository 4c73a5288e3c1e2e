package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devicefarmd/agent/internal/agenterr"
)

// Registry stores plugin definitions keyed by id, built fresh from the
// configuration document at startup rather than auto-populated from
// compiled-in types. Reads return snapshot copies, never the live map.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// RegisterDefinition stores def under its (trimmed) id. Rejects a blank id
// or a duplicate id as a configuration error.
func (r *Registry) RegisterDefinition(def Definition) error {
	def = def.Trimmed()
	if def.ID == "" {
		return agenterr.ErrPluginMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: %q", agenterr.ErrPluginDuplicateID, def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// GetDefinitions returns a snapshot of every registered definition.
func (r *Registry) GetDefinitions() map[string]Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Definition, len(r.defs))
	for k, v := range r.defs {
		out[k] = v
	}
	return out
}

// Get returns a single definition by id, if registered.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// ValidateDependencyGraph rejects dependsOn cycles, returning a topological
// order of definition ids on success. A dependsOn entry naming an
// unregistered id is not rejected; that id appears in the returned order.
// Run once at load time.
func (r *Registry) ValidateDependencyGraph() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.defs))
	order := make([]string, 0, len(r.defs))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: cycle through %q", agenterr.ErrPluginCycle, id)
		}
		color[id] = gray
		def, ok := r.defs[id]
		if ok {
			for _, dep := range def.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
