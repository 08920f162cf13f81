package layer

import (
	"fmt"
	"sync"

	"github.com/petal-labs/petalprint/core"
)

// Progress strategies advertised in TypeDef.
const (
	ProgressQueue = "queue"
	ProgressStage = "stage"
)

// TypeDef describes a registered layer type.
type TypeDef struct {
	Type        string `json:"type"`
	Category    string `json:"category"` // "raster", "vector", "fill"
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Progress    string `json:"progress"` // "queue" | "stage"
}

// Registry maps layer type names to backends. It is created per dispatcher;
// there is no global instance.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	defs     map[string]TypeDef
	order    []string // preserves registration order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		defs:     make(map[string]TypeDef),
	}
}

// Register adds a backend under its Type. If a backend with the same name
// already exists it is replaced.
func (r *Registry) Register(b Backend) {
	def := TypeDef{Type: b.Type(), DisplayName: b.Type()}
	if d, ok := b.(Describer); ok {
		def = d.Describe()
		def.Type = b.Type()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.backends[def.Type] = b
	r.defs[def.Type] = def
}

// Get returns the backend registered for typeName.
func (r *Registry) Get(typeName string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[typeName]
	return b, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	_, ok := r.Get(typeName)
	return ok
}

// All returns all type definitions in registration order.
// Used by GET /api/layer-types.
func (r *Registry) All() []TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]TypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.defs[name])
	}
	return result
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// ValidateLayers checks that every layer names a registered type and passes
// the backend's own validation, if it has one.
func (r *Registry) ValidateLayers(layers []core.LayerSpec) error {
	for i, l := range layers {
		b, ok := r.Get(l.Type)
		if !ok {
			return fmt.Errorf("layers[%d]: unknown layer type %q", i, l.Type)
		}
		if v, ok := b.(SpecValidator); ok {
			if err := v.ValidateLayer(l); err != nil {
				return fmt.Errorf("layers[%d] (%s): %w", i, l.Type, err)
			}
		}
	}
	return nil
}
