package query

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"erpcore/pkg/schema"
)

// Scope carries the implicit filters injected into every compiled plan.
type Scope struct {
	// Tenant is the active tenant id; every plan is tenant-scoped unless the
	// domain conditions tenant_id explicitly.
	Tenant int64
}

// PlanNode is a node of a compiled boolean filter tree.
type PlanNode interface{ isNode() }

// AndNode matches when all children match.
type AndNode struct{ Children []PlanNode }

// OrNode matches when any child matches.
type OrNode struct{ Children []PlanNode }

// NotNode inverts its child.
type NotNode struct{ Child PlanNode }

// Leaf compares a stored field of the current model against a value.
type Leaf struct {
	Field string
	Kind  schema.Kind
	Op    Operator
	Value any
}

// Exists is a correlated sub-filter: it matches when a related record of
// Target satisfies Sub. Relational path hops are rewritten into Exists nodes
// so per-model query generation stays independent of the backend's join
// syntax.
type Exists struct {
	// Field is the relational field on the current model.
	Field string
	// Kind is the relation kind of Field.
	Kind schema.Kind
	// Target is the related model Sub applies to.
	Target string
	// Inverse is the many-to-one on Target backing a one-to-many hop.
	Inverse string
	// Relation is the join relation id backing a many-to-many hop.
	Relation string
	// Sub is the condition evaluated against the related records.
	Sub PlanNode
}

func (AndNode) isNode() {}
func (OrNode) isNode()  {}
func (NotNode) isNode() {}
func (Leaf) isNode()    {}
func (Exists) isNode()  {}

// Plan is a compiled, tenant-scoped filter for one model. Compiling the same
// domain, model and tenant always yields a structurally identical plan.
type Plan struct {
	Model string
	Root  PlanNode
}

// Compile translates a domain expression into a plan for the given model:
// prefix operators expand into a boolean tree, leaf paths resolve through the
// registry (relational hops become correlated Exists sub-filters), and the
// implicit tenant and active leaves are injected unless the domain already
// conditions those fields.
func Compile(reg *schema.Registry, model string, d Domain, scope Scope) (*Plan, error) {
	if _, err := reg.Resolve(model); err != nil {
		return nil, err
	}
	tree, err := parseTree(d)
	if err != nil {
		return nil, err
	}
	root, err := compileNode(reg, model, tree)
	if err != nil {
		return nil, err
	}
	implicit := make([]PlanNode, 0, 2)
	if !referencesField(d, schema.FieldTenant) {
		implicit = append(implicit, Leaf{Field: schema.FieldTenant, Kind: schema.KindInteger, Op: OpEq, Value: scope.Tenant})
	}
	if !referencesField(d, schema.FieldActive) {
		implicit = append(implicit, Leaf{Field: schema.FieldActive, Kind: schema.KindBool, Op: OpEq, Value: true})
	}
	if len(implicit) > 0 {
		if root != nil {
			implicit = append(implicit, root)
		}
		root = AndNode{Children: implicit}
	}
	if root == nil {
		root = AndNode{}
	}
	return &Plan{Model: model, Root: root}, nil
}

// referencesField reports whether any condition's root segment names the
// given field; an explicit condition opts out of the corresponding implicit
// leaf.
func referencesField(d Domain, field string) bool {
	for _, t := range d {
		if t.Logic != "" {
			continue
		}
		root, _, _ := strings.Cut(t.Path, ".")
		if root == field {
			return true
		}
	}
	return false
}

func compileNode(reg *schema.Registry, model string, n node) (PlanNode, error) {
	switch n.logic {
	case "":
		return compileLeaf(reg, model, n.cond)
	case "!":
		child, err := compileNode(reg, model, n.children[0])
		if err != nil {
			return nil, err
		}
		return NotNode{Child: child}, nil
	case "&", "|":
		children := make([]PlanNode, 0, len(n.children))
		for _, c := range n.children {
			child, err := compileNode(reg, model, c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 0 {
			return nil, nil
		}
		if len(children) == 1 {
			return children[0], nil
		}
		if n.logic == "&" {
			return AndNode{Children: children}, nil
		}
		return OrNode{Children: children}, nil
	}
	return nil, fmt.Errorf("query: unknown node logic %q", n.logic)
}

// compileLeaf resolves the condition path and builds the leaf, wrapping each
// traversed relational hop into an Exists node from the innermost out.
func compileLeaf(reg *schema.Registry, model string, cond Term) (PlanNode, error) {
	chain, err := reg.ResolvePath(model, cond.Path)
	if err != nil {
		return nil, err
	}
	// models owning each chain segment
	owners := make([]string, len(chain))
	owner := model
	for i, f := range chain {
		owners[i] = owner
		owner = f.Target
	}
	terminal := chain[len(chain)-1]
	var inner PlanNode
	switch terminal.Kind {
	case schema.KindOneToMany, schema.KindManyToMany:
		// a condition directly on a x2many field filters on membership ids
		inner = Exists{
			Field:    terminal.Name,
			Kind:     terminal.Kind,
			Target:   terminal.Target,
			Inverse:  terminal.Inverse,
			Relation: schema.Relation(owners[len(owners)-1], terminal),
			Sub:      Leaf{Field: schema.FieldID, Kind: schema.KindInteger, Op: cond.Op, Value: normalizeValue(schema.KindInteger, cond.Value)},
		}
	default:
		inner = Leaf{Field: terminal.Name, Kind: terminal.Kind, Op: cond.Op, Value: normalizeValue(terminal.Kind, cond.Value)}
	}
	for i := len(chain) - 2; i >= 0; i-- {
		hop := chain[i]
		inner = Exists{
			Field:    hop.Name,
			Kind:     hop.Kind,
			Target:   hop.Target,
			Inverse:  hop.Inverse,
			Relation: schema.Relation(owners[i], hop),
			Sub:      inner,
		}
	}
	return inner, nil
}

// normalizeValue converts condition operands to the canonical stored forms:
// integers widen to int64, temporal values render as RFC 3339 UTC strings,
// and list operands flatten to []any element-wise.
func normalizeValue(kind schema.Kind, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		if kind == schema.KindDate {
			return val.UTC().Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339Nano)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && kind != schema.KindBinary {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(kind, rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// Fingerprint renders the plan into a canonical string; structurally
// identical plans produce identical fingerprints.
func (p *Plan) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(p.Model)
	sb.WriteByte('[')
	fingerprintNode(&sb, p.Root)
	sb.WriteByte(']')
	return sb.String()
}

func fingerprintNode(sb *strings.Builder, n PlanNode) {
	switch v := n.(type) {
	case nil:
		sb.WriteString("true")
	case AndNode:
		sb.WriteString("and(")
		for i, c := range v.Children {
			if i > 0 {
				sb.WriteByte(',')
			}
			fingerprintNode(sb, c)
		}
		sb.WriteByte(')')
	case OrNode:
		sb.WriteString("or(")
		for i, c := range v.Children {
			if i > 0 {
				sb.WriteByte(',')
			}
			fingerprintNode(sb, c)
		}
		sb.WriteByte(')')
	case NotNode:
		sb.WriteString("not(")
		fingerprintNode(sb, v.Child)
		sb.WriteByte(')')
	case Leaf:
		fmt.Fprintf(sb, "%s %s %v", v.Field, v.Op, v.Value)
	case Exists:
		fmt.Fprintf(sb, "exists(%s->%s:", v.Field, v.Target)
		fingerprintNode(sb, v.Sub)
		sb.WriteByte(')')
	}
}
