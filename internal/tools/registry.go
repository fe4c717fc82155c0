// Package tools hosts the auxiliary tool services offered to the model
// alongside command execution and patching.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/schmiede/internal/llm"
)

// Service is one callable tool. Implementations must be safe for
// concurrent calls: the engine may run independent tool calls from one
// model response in parallel.
type Service interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema properties of the arguments.
	Parameters() map[string]interface{}
	Required() []string
	// Execute runs the tool. The result is serialized back to the
	// model; an error becomes a tool-result error message.
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry is the set of registered tool services.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds a service. Registering the same name twice is a
// programming error.
func (r *Registry) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[svc.Name()]; exists {
		return fmt.Errorf("tool %q is already registered", svc.Name())
	}
	r.services[svc.Name()] = svc
	return nil
}

// Get returns the named service.
func (r *Registry) Get(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Definitions renders every service as a tool definition for the
// model, sorted by name for a stable prompt.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		svc := r.services[name]
		defs = append(defs, llm.ToolDef{
			Name:        svc.Name(),
			Description: svc.Description(),
			Parameters:  svc.Parameters(),
			Required:    svc.Required(),
		})
	}
	return defs
}
