package core

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"erpcore/pkg/schema"
)

// ComputeFunc derives values for a computed field across a batch. The
// implementation reads source fields through the records and assigns the
// result on each record with Set.
type ComputeFunc func(ctx context.Context, records *RecordSet) error

// CheckFunc validates a batch of records, returning a message when the
// constraint is violated. An empty message means the batch passes.
type CheckFunc func(ctx context.Context, records *RecordSet) (string, error)

// Constraint validates writes touching any of its declared fields.
type Constraint struct {
	Name   string
	Fields []string
	Check  CheckFunc
}

// Runtime binds a schema registry to compute functions and constraints.
// Definitions accumulate until Finalize freezes the registry and verifies
// every computed field has an implementation.
type Runtime struct {
	reg         *schema.Registry
	computes    map[string]ComputeFunc
	constraints map[string][]Constraint
	finalized   bool
}

// NewRuntime constructs an empty runtime around a fresh registry.
func NewRuntime() *Runtime {
	return &Runtime{
		reg:         schema.NewRegistry(),
		computes:    make(map[string]ComputeFunc),
		constraints: make(map[string][]Constraint),
	}
}

// Registry exposes the underlying schema registry.
func (rt *Runtime) Registry() *schema.Registry { return rt.reg }

// RegisterCompute binds fn as the implementation of a computed field.
func (rt *Runtime) RegisterCompute(model, field string, fn ComputeFunc) error {
	if rt.finalized {
		return fmt.Errorf("runtime already finalized")
	}
	if fn == nil {
		return fmt.Errorf("compute %s.%s: nil function", model, field)
	}
	key := model + "." + field
	if _, ok := rt.computes[key]; ok {
		return fmt.Errorf("compute %s already registered", key)
	}
	rt.computes[key] = fn
	return nil
}

// RegisterConstraint attaches a constraint to a model.
func (rt *Runtime) RegisterConstraint(model string, c Constraint) error {
	if rt.finalized {
		return fmt.Errorf("runtime already finalized")
	}
	if c.Name == "" || c.Check == nil {
		return fmt.Errorf("constraint on %s requires a name and a check", model)
	}
	for _, existing := range rt.constraints[model] {
		if existing.Name == c.Name {
			return fmt.Errorf("constraint %s already registered on %s", c.Name, model)
		}
	}
	c.Fields = append([]string(nil), c.Fields...)
	rt.constraints[model] = append(rt.constraints[model], c)
	return nil
}

// Finalize freezes the registry and checks the compute and constraint
// bindings against it.
func (rt *Runtime) Finalize() error {
	if rt.finalized {
		return nil
	}
	var errs error
	if err := rt.reg.Finalize(); err != nil {
		return err
	}
	for _, name := range rt.reg.Models() {
		model, err := rt.reg.Resolve(name)
		if err != nil {
			return err
		}
		for _, f := range model.Fields() {
			if !f.Computed {
				continue
			}
			if _, ok := rt.computes[name+"."+f.Name]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("computed field %s.%s has no registered function", name, f.Name))
			}
		}
		for _, c := range rt.constraints[name] {
			for _, fieldName := range c.Fields {
				if !model.Has(fieldName) {
					errs = multierr.Append(errs, fmt.Errorf("constraint %s on %s names unknown field %s", c.Name, name, fieldName))
				}
			}
		}
	}
	for key := range rt.computes {
		model, field, ok := splitFieldKey(key)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("invalid compute key %s", key))
			continue
		}
		m, err := rt.reg.Resolve(model)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("compute %s: %w", key, err))
			continue
		}
		f, ok := m.Field(field)
		if !ok || !f.Computed {
			errs = multierr.Append(errs, fmt.Errorf("compute %s does not match a computed field", key))
		}
	}
	for model := range rt.constraints {
		if _, err := rt.reg.Resolve(model); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("constraints on unknown model %s", model))
		}
	}
	if errs != nil {
		return errs
	}
	rt.finalized = true
	return nil
}

// Finalized reports whether Finalize completed.
func (rt *Runtime) Finalized() bool { return rt.finalized }

func (rt *Runtime) compute(model, field string) (ComputeFunc, bool) {
	fn, ok := rt.computes[model+"."+field]
	return fn, ok
}

func (rt *Runtime) modelConstraints(model string) []Constraint {
	return rt.constraints[model]
}

func splitFieldKey(key string) (model, field string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:], key[:i] != "" && key[i+1:] != ""
		}
	}
	return "", "", false
}
