// Package query defines the declarative domain-expression language and the
// compiler translating a domain into a normalized, backend-executable plan
// with tenant and archive scoping injected.
package query

import "fmt"

// Operator is a comparison operator of a domain condition leaf.
type Operator string

// Supported condition operators.
const (
	OpEq    Operator = "="
	OpNe    Operator = "!="
	OpLt    Operator = "<"
	OpLe    Operator = "<="
	OpGt    Operator = ">"
	OpGe    Operator = ">="
	OpIn    Operator = "in"
	OpNotIn Operator = "not in"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpNotIn, OpLike, OpILike:
		return true
	}
	return false
}

// Term is one element of a domain: either a prefix logical operator or an
// atomic condition.
type Term struct {
	// Logic is "&", "|" or "!" on operator terms, empty on conditions.
	Logic string
	// Path is the (possibly dotted) field path of a condition.
	Path string
	// Op is the condition operator.
	Op Operator
	// Value is the right-hand operand.
	Value any
}

// Domain is an ordered sequence of terms: atomic conditions implicitly
// AND-ed, or explicitly combined with prefix logical operators in
// Polish-like ordering ("&" and "|" are binary, "!" is unary).
type Domain []Term

// C builds a condition term.
func C(path string, op Operator, value any) Term {
	return Term{Path: path, Op: op, Value: value}
}

// And is the binary prefix conjunction operator.
func And() Term { return Term{Logic: "&"} }

// Or is the binary prefix disjunction operator.
func Or() Term { return Term{Logic: "|"} }

// Not is the unary prefix negation operator.
func Not() Term { return Term{Logic: "!"} }

// node is the boolean expression tree an operator expansion produces.
type node struct {
	logic    string // "&", "|", "!" or "" for a leaf
	children []node
	cond     Term
}

// parseTree expands the prefix operators of a domain into a boolean tree.
// Leftover top-level expressions are implicitly conjoined.
func parseTree(d Domain) (node, error) {
	var stack []node
	for i := len(d) - 1; i >= 0; i-- {
		t := d[i]
		switch t.Logic {
		case "":
			if t.Path == "" {
				return node{}, fmt.Errorf("query: condition %d has no field path", i)
			}
			if !t.Op.valid() {
				return node{}, fmt.Errorf("query: condition on %q has invalid operator %q", t.Path, t.Op)
			}
			stack = append(stack, node{cond: t})
		case "!":
			if len(stack) < 1 {
				return node{}, fmt.Errorf("query: operator %q at %d lacks an operand", t.Logic, i)
			}
			child := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			stack = append(stack, node{logic: "!", children: []node{child}})
		case "&", "|":
			if len(stack) < 2 {
				return node{}, fmt.Errorf("query: operator %q at %d lacks two operands", t.Logic, i)
			}
			left := stack[len(stack)-1]
			right := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			stack = append(stack, node{logic: t.Logic, children: []node{left, right}})
		default:
			return node{}, fmt.Errorf("query: unknown logical operator %q", t.Logic)
		}
	}
	switch len(stack) {
	case 0:
		return node{logic: "&"}, nil
	case 1:
		return stack[0], nil
	}
	// implicit AND: the stack was filled right to left, so reverse back
	children := make([]node, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		children = append(children, stack[i])
	}
	return node{logic: "&", children: children}, nil
}
