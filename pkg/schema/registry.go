package schema

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// Registry maps model names to their schemas. Modules register and extend
// models during startup; Finalize validates the whole graph once and freezes
// the registry, converting what would otherwise be runtime errors into
// startup-time failures.
type Registry struct {
	models    map[string]*Model
	order     []string
	graph     *Graph
	referrers map[string][]Referencer
	finalized bool
}

// Referencer identifies a many-to-one field pointing at a model, together
// with the cascade policy governing it on deletion of the target.
type Referencer struct {
	Model    string
	Field    string
	OnDelete Cascade
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds a new model. Registering an existing name is an error; use
// Extend to contribute fields to another module's model.
func (r *Registry) Register(def Def) error {
	if r.finalized {
		return fmt.Errorf("schema: registry finalized, cannot register %q", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("schema: model name required")
	}
	if _, exists := r.models[def.Name]; exists {
		return fmt.Errorf("schema: model %q already registered", def.Name)
	}
	m := &Model{
		name:     def.Name,
		label:    def.Label,
		order:    def.Order,
		delegate: def.Delegate,
		fields:   make(map[string]Field),
	}
	for _, f := range reservedFields() {
		m.addField(f)
	}
	if def.Delegate != "" {
		m.addField(Field{
			Name:     DelegateField(def.Delegate),
			Kind:     KindManyToOne,
			Target:   def.Delegate,
			Required: true,
			OnDelete: CascadeDelete,
		})
	}
	for _, f := range def.Fields {
		if err := checkField(def.Name, f); err != nil {
			return err
		}
		if m.Has(f.Name) {
			return DuplicateFieldError{Model: def.Name, Field: f.Name}
		}
		m.addField(f.clone())
	}
	r.models[def.Name] = m
	r.order = append(r.order, def.Name)
	return nil
}

// Extend unions fields into an already registered model, so one module can
// add fields to another module's model. Collision on a non-computed field is
// an error; re-declaring a computed field replaces its descriptor.
func (r *Registry) Extend(model string, fields ...Field) error {
	if r.finalized {
		return fmt.Errorf("schema: registry finalized, cannot extend %q", model)
	}
	m, ok := r.models[model]
	if !ok {
		return UnknownModelError{Model: model}
	}
	for _, f := range fields {
		if err := checkField(model, f); err != nil {
			return err
		}
		if existing, exists := m.fields[f.Name]; exists {
			if !existing.Computed {
				return DuplicateFieldError{Model: model, Field: f.Name}
			}
		}
		m.addField(f.clone())
	}
	return nil
}

func checkField(model string, f Field) error {
	if f.Name == "" {
		return fmt.Errorf("schema: model %s declares a field without a name", model)
	}
	if IsReserved(f.Name) {
		return fmt.Errorf("schema: model %s redeclares reserved field %q", model, f.Name)
	}
	if f.Kind == KindInvalid {
		return fmt.Errorf("schema: field %s.%s has no kind", model, f.Name)
	}
	if f.Kind.Relational() && f.Target == "" {
		return fmt.Errorf("schema: relational field %s.%s has no target model", model, f.Name)
	}
	if f.Kind == KindOneToMany && f.Inverse == "" {
		return fmt.Errorf("schema: one2many field %s.%s has no inverse field", model, f.Name)
	}
	if f.Computed && len(f.Depends) == 0 {
		return fmt.Errorf("schema: computed field %s.%s declares no dependencies", model, f.Name)
	}
	if !f.Computed && f.Stored {
		return fmt.Errorf("schema: field %s.%s is stored-computed but not computed", model, f.Name)
	}
	return nil
}

// DelegateField returns the name of the implicit parent link injected for a
// delegation parent, e.g. "partner" -> "partner_id".
func DelegateField(parent string) string {
	return strings.ReplaceAll(parent, ".", "_") + "_id"
}

// Resolve returns the named model or UnknownModelError.
func (r *Registry) Resolve(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, UnknownModelError{Model: name}
	}
	return m, nil
}

// Models returns the registered model names in registration order.
func (r *Registry) Models() []string {
	return append([]string(nil), r.order...)
}

// Finalized reports whether Finalize has completed successfully.
func (r *Registry) Finalized() bool { return r.finalized }

// ResolvePath resolves a dotted field path from the given model, traversing
// relational fields, and returns the descriptor chain. Delegation parents are
// traversed transparently: a segment missing on the model is looked up on its
// delegation ancestry.
func (r *Registry) ResolvePath(model, path string) ([]Field, error) {
	if path == "" {
		return nil, InvalidFieldPathError{Model: model, Path: path, Segment: "", Reason: "is empty"}
	}
	segments := strings.Split(path, ".")
	current, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	chain := make([]Field, 0, len(segments))
	for i, seg := range segments {
		f, ok := r.lookupThroughDelegates(current, seg)
		if !ok {
			return nil, InvalidFieldPathError{Model: current.Name(), Path: path, Segment: seg, Reason: "is not a field"}
		}
		chain = append(chain, f)
		if i == len(segments)-1 {
			break
		}
		if !f.Kind.Relational() {
			return nil, InvalidFieldPathError{Model: current.Name(), Path: path, Segment: seg, Reason: "is not relational but is followed by more segments"}
		}
		current, err = r.Resolve(f.Target)
		if err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func (r *Registry) lookupThroughDelegates(m *Model, field string) (Field, bool) {
	for m != nil {
		if f, ok := m.Field(field); ok {
			return f, true
		}
		if m.delegate == "" {
			return Field{}, false
		}
		parent, ok := r.models[m.delegate]
		if !ok {
			return Field{}, false
		}
		m = parent
	}
	return Field{}, false
}

// Referencers returns the many-to-one fields across the registry pointing at
// the given model, with their effective cascade policies. Only valid after
// Finalize.
func (r *Registry) Referencers(model string) []Referencer {
	return r.referrers[model]
}

// Graph returns the computed-field dependency graph built by Finalize.
func (r *Registry) Graph() *Graph {
	return r.graph
}

// Relation returns the effective join relation identifier for a many-to-many
// field: the declared one, or the lexicographic pairing of the two models.
func Relation(model string, f Field) string {
	if f.Relation != "" {
		return f.Relation
	}
	pair := []string{model, f.Target}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1] + "_rel"
}

// Finalize validates the whole registry once: relational targets and inverse
// fields must exist, computed dependency paths must resolve, and computed
// fields must be acyclic. All problems are aggregated so a startup failure
// reports everything at once. The registry is immutable afterwards.
func (r *Registry) Finalize() error {
	if r.finalized {
		return nil
	}
	var errs error
	for _, name := range r.order {
		m := r.models[name]
		if m.delegate != "" {
			if _, ok := r.models[m.delegate]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("schema: model %s delegates to unknown model %q", name, m.delegate))
			}
		}
		for _, f := range m.Fields() {
			errs = multierr.Append(errs, r.checkRelational(name, f))
			if f.Computed {
				for _, dep := range f.Depends {
					if _, err := r.ResolvePath(name, dep); err != nil {
						errs = multierr.Append(errs, fmt.Errorf("schema: computed field %s.%s: %w", name, f.Name, err))
					}
				}
			}
		}
	}
	if errs != nil {
		return errs
	}
	graph, err := buildGraph(r)
	if err != nil {
		return err
	}
	r.graph = graph
	r.referrers = buildReferencers(r)
	r.finalized = true
	return nil
}

func (r *Registry) checkRelational(model string, f Field) error {
	if !f.Kind.Relational() {
		return nil
	}
	target, ok := r.models[f.Target]
	if !ok {
		return fmt.Errorf("schema: field %s.%s targets unknown model %q", model, f.Name, f.Target)
	}
	if f.Kind == KindOneToMany {
		inv, ok := target.Field(f.Inverse)
		if !ok {
			return fmt.Errorf("schema: one2many %s.%s names missing inverse %s.%s", model, f.Name, f.Target, f.Inverse)
		}
		if inv.Kind != KindManyToOne || inv.Target != model {
			return fmt.Errorf("schema: one2many %s.%s inverse %s.%s is not a many2one back to %s", model, f.Name, f.Target, f.Inverse, model)
		}
	}
	return nil
}

// buildReferencers collects, per target model, every many-to-one field
// pointing at it. The cascade policy comes from the one-to-many declaring the
// many-to-one as its inverse; a bare many-to-one defaults to restrict.
func buildReferencers(r *Registry) map[string][]Referencer {
	policies := make(map[string]Cascade) // "model.field" of the m2o side
	for _, name := range r.order {
		for _, f := range r.models[name].Fields() {
			if f.Kind == KindOneToMany {
				policies[f.Target+"."+f.Inverse] = f.OnDelete
			}
		}
	}
	out := make(map[string][]Referencer)
	for _, name := range r.order {
		for _, f := range r.models[name].Fields() {
			if f.Kind != KindManyToOne {
				continue
			}
			policy, ok := policies[name+"."+f.Name]
			if !ok {
				policy = f.OnDelete
			}
			out[f.Target] = append(out[f.Target], Referencer{Model: name, Field: f.Name, OnDelete: policy})
		}
	}
	return out
}
