package core

import (
	"fmt"
	"sort"

	"erpcore/pkg/schema"
)

// Module describes a business package that contributes models, field
// extensions, computed fields, and constraints.
type Module interface {
	Name() string
	Version() string
	Register(registry *ModuleRegistry) error
}

// ModuleRegistry accumulates module contributions during registration.
type ModuleRegistry struct {
	defs        []schema.Def
	extensions  map[string][]schema.Field
	computes    map[string]ComputeFunc
	constraints map[string][]Constraint
}

// NewModuleRegistry constructs a module registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		extensions:  make(map[string][]schema.Field),
		computes:    make(map[string]ComputeFunc),
		constraints: make(map[string][]Constraint),
	}
}

// DefineModel records a model definition contributed by the module.
func (r *ModuleRegistry) DefineModel(def schema.Def) {
	r.defs = append(r.defs, def)
}

// ExtendModel records fields the module adds to a model owned elsewhere.
func (r *ModuleRegistry) ExtendModel(model string, fields ...schema.Field) {
	if model == "" || len(fields) == 0 {
		return
	}
	r.extensions[model] = append(r.extensions[model], fields...)
}

// Compute binds a computed field implementation.
func (r *ModuleRegistry) Compute(model, field string, fn ComputeFunc) error {
	if model == "" || field == "" || fn == nil {
		return fmt.Errorf("compute binding requires model, field, and function")
	}
	key := model + "." + field
	if _, exists := r.computes[key]; exists {
		return fmt.Errorf("compute %s already registered", key)
	}
	r.computes[key] = fn
	return nil
}

// Constrain attaches a validation constraint to a model.
func (r *ModuleRegistry) Constrain(model string, c Constraint) {
	if model == "" || c.Check == nil {
		return
	}
	r.constraints[model] = append(r.constraints[model], c)
}

// Models returns a copy of the contributed definitions in registration order.
func (r *ModuleRegistry) Models() []schema.Def {
	out := make([]schema.Def, len(r.defs))
	copy(out, r.defs)
	return out
}

// ModelNames returns the contributed and extended model names, sorted.
func (r *ModuleRegistry) ModelNames() []string {
	seen := make(map[string]struct{}, len(r.defs)+len(r.extensions))
	for _, def := range r.defs {
		seen[def.Name] = struct{}{}
	}
	for model := range r.extensions {
		seen[model] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ModuleMetadata stores metadata describing an installed module.
type ModuleMetadata struct {
	Name    string
	Version string
	Models  []string
}
