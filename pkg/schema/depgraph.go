package schema

import (
	"fmt"
	"strings"
)

// PathHop is one relational step of a dependency path: the relational field
// traversed and the model it is traversed from.
type PathHop struct {
	Model string
	Field Field
}

// Trigger registers a computed field that must be invalidated when its source
// field changes. Path holds the forward hops from the computed field's model
// toward the source model; the engine walks them in inverse direction to map
// written record ids back to affected records.
type Trigger struct {
	// Model owns the computed field.
	Model string
	// Field is the computed field to invalidate.
	Field string
	// Path is the forward hop chain from Model toward the source model.
	Path []PathHop
}

// Graph is the computed-field dependency graph assembled once at registry
// finalization: reverse edges from every concrete stored field to the
// computed fields derived from it.
type Graph struct {
	triggers map[string][]Trigger
	computed map[string][]string
}

func depKey(model, field string) string { return model + "." + field }

// Triggers returns the computed fields affected by a write of the given
// field, in registration order.
func (g *Graph) Triggers(model, field string) []Trigger {
	return g.triggers[depKey(model, field)]
}

// ComputedFields returns the computed field names of a model in declaration
// order.
func (g *Graph) ComputedFields(model string) []string {
	return g.computed[model]
}

type sourceSpec struct {
	model string
	field string
	path  []PathHop
}

type graphBuilder struct {
	reg  *Registry
	memo map[string][]sourceSpec
}

func buildGraph(r *Registry) (*Graph, error) {
	b := &graphBuilder{reg: r, memo: make(map[string][]sourceSpec)}
	g := &Graph{triggers: make(map[string][]Trigger), computed: make(map[string][]string)}
	for _, name := range r.order {
		m := r.models[name]
		for _, f := range m.Fields() {
			if !f.Computed {
				continue
			}
			g.computed[name] = append(g.computed[name], f.Name)
			sources, err := b.expand(name, f.Name, nil)
			if err != nil {
				return nil, err
			}
			for _, src := range sources {
				key := depKey(src.model, src.field)
				trigger := Trigger{Model: name, Field: f.Name, Path: src.path}
				if !containsTrigger(g.triggers[key], trigger) {
					g.triggers[key] = append(g.triggers[key], trigger)
				}
			}
		}
	}
	return g, nil
}

// expand resolves the depends paths of a computed field into the concrete
// stored source fields that can invalidate it. Non-stored computed
// dependencies are expanded transitively since no write event ever fires on
// them; stored computed dependencies are sources themselves because their
// recomputation persists through the regular write path.
func (b *graphBuilder) expand(model, field string, stack []string) ([]sourceSpec, error) {
	key := depKey(model, field)
	for _, s := range stack {
		if s == key {
			return nil, CircularComputeError{Cycle: append(append([]string(nil), stack...), key)}
		}
	}
	if cached, ok := b.memo[key]; ok {
		return cached, nil
	}
	stack = append(stack, key)

	m := b.reg.models[model]
	f, ok := b.reg.lookupThroughDelegates(m, field)
	if !ok {
		return nil, fmt.Errorf("schema: computed field %s not found", key)
	}
	var sources []sourceSpec
	for _, dep := range f.Depends {
		chain, err := b.reg.ResolvePath(model, dep)
		if err != nil {
			return nil, err
		}
		hops := make([]PathHop, 0, len(chain))
		current := model
		for i, seg := range chain {
			if seg.Computed {
				// cycle detection runs on every computed dependency,
				// stored or not
				sub, err := b.expand(current, seg.Name, stack)
				if err != nil {
					return nil, err
				}
				if seg.Stored {
					sources = append(sources, sourceSpec{model: current, field: seg.Name, path: clonePath(hops)})
				} else {
					for _, s := range sub {
						sources = append(sources, sourceSpec{
							model: s.model,
							field: s.field,
							path:  append(clonePath(hops), s.path...),
						})
					}
				}
			} else {
				switch seg.Kind {
				case KindOneToMany:
					// membership changes arrive as writes of the inverse
					// many-to-one on the target model
					withHop := append(clonePath(hops), PathHop{Model: current, Field: seg})
					sources = append(sources, sourceSpec{model: seg.Target, field: seg.Inverse, path: withHop})
				default:
					sources = append(sources, sourceSpec{model: current, field: seg.Name, path: clonePath(hops)})
				}
			}
			if i < len(chain)-1 {
				hops = append(hops, PathHop{Model: current, Field: seg})
				current = seg.Target
			}
		}
	}
	sources = dedupSources(sources)
	b.memo[key] = sources
	return sources, nil
}

func clonePath(hops []PathHop) []PathHop {
	return append([]PathHop(nil), hops...)
}

func pathFingerprint(hops []PathHop) string {
	var sb strings.Builder
	for _, h := range hops {
		sb.WriteString(h.Model)
		sb.WriteByte('.')
		sb.WriteString(h.Field.Name)
		sb.WriteByte('/')
	}
	return sb.String()
}

func dedupSources(in []sourceSpec) []sourceSpec {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		key := depKey(s.model, s.field) + "|" + pathFingerprint(s.path)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func containsTrigger(list []Trigger, t Trigger) bool {
	for _, existing := range list {
		if existing.Model == t.Model && existing.Field == t.Field &&
			pathFingerprint(existing.Path) == pathFingerprint(t.Path) {
			return true
		}
	}
	return false
}
