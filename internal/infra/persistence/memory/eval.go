package memory

import (
	"fmt"
	"regexp"
	"strings"

	"erpcore/pkg/query"
	"erpcore/pkg/storage"
)

// eval decides whether a row of the given model satisfies a plan node.
func (t *tx) eval(model string, row storage.Row, n query.PlanNode) (bool, error) {
	switch v := n.(type) {
	case nil:
		return true, nil
	case query.AndNode:
		for _, c := range v.Children {
			ok, err := t.eval(model, row, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case query.OrNode:
		for _, c := range v.Children {
			ok, err := t.eval(model, row, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case query.NotNode:
		ok, err := t.eval(model, row, v.Child)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case query.Leaf:
		return evalLeaf(row[v.Field], v.Op, v.Value)
	case query.Exists:
		return t.evalExists(model, row, v)
	}
	return false, fmt.Errorf("memory: unsupported plan node %T", n)
}

// evalExists implements the correlated sub-filter semantics of relational
// hops: does a related record satisfying Sub exist. A dangling many-to-one
// reference matches nothing.
func (t *tx) evalExists(model string, row storage.Row, ex query.Exists) (bool, error) {
	id, _ := asInt64(row["id"])
	switch {
	case ex.Inverse != "":
		// one-to-many: target records whose inverse points back here
		for _, target := range t.state.rows[ex.Target] {
			fk, ok := asInt64(target[ex.Inverse])
			if !ok || fk != id {
				continue
			}
			match, err := t.eval(ex.Target, target, ex.Sub)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		return false, nil
	case ex.Relation != "":
		// many-to-many through the join relation; orientation follows the
		// lexicographic model pairing
		var related []int64
		for _, pair := range t.state.links[ex.Relation] {
			if model <= ex.Target {
				if pair.Left == id {
					related = append(related, pair.Right)
				}
			} else if pair.Right == id {
				related = append(related, pair.Left)
			}
		}
		for _, rid := range related {
			target, ok := t.state.rows[ex.Target][rid]
			if !ok {
				continue
			}
			match, err := t.eval(ex.Target, target, ex.Sub)
			if err != nil {
				return false, err
			}
			if match {
				return true, nil
			}
		}
		return false, nil
	default:
		// many-to-one
		fk, ok := asInt64(row[ex.Field])
		if !ok || fk == 0 {
			return false, nil
		}
		target, ok := t.state.rows[ex.Target][fk]
		if !ok {
			return false, nil
		}
		return t.eval(ex.Target, target, ex.Sub)
	}
}

func evalLeaf(stored any, op query.Operator, operand any) (bool, error) {
	switch op {
	case query.OpEq:
		return valuesEqual(stored, operand), nil
	case query.OpNe:
		return !valuesEqual(stored, operand), nil
	case query.OpLt, query.OpLe, query.OpGt, query.OpGe:
		c, ok := compareOrdered(stored, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case query.OpLt:
			return c < 0, nil
		case query.OpLe:
			return c <= 0, nil
		case query.OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case query.OpIn, query.OpNotIn:
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("memory: %q operand must be a list, got %T", op, operand)
		}
		found := false
		for _, candidate := range list {
			if valuesEqual(stored, candidate) {
				found = true
				break
			}
		}
		if op == query.OpIn {
			return found, nil
		}
		return !found, nil
	case query.OpLike, query.OpILike:
		s, ok := stored.(string)
		if !ok {
			return false, nil
		}
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("memory: %q operand must be a string, got %T", op, operand)
		}
		return matchLike(s, pattern, op == query.OpILike)
	}
	return false, fmt.Errorf("memory: unsupported operator %q", op)
}

// matchLike implements SQL-style pattern matching: % matches any run,
// _ matches one character. A pattern without wildcards matches as substring.
func matchLike(s, pattern string, foldCase bool) (bool, error) {
	if foldCase {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	if !strings.ContainsAny(pattern, "%_") {
		return strings.Contains(s, pattern), nil
	}
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false, fmt.Errorf("memory: like pattern %q: %w", pattern, err)
	}
	return re.MatchString(s), nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

// compareOrdered compares two values when both are numeric or both strings.
func compareOrdered(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// compareForSort orders values for result sorting; nil sorts first and
// incomparable values keep their relative order.
func compareForSort(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := compareOrdered(a, b); ok {
		return c
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case !ab && bb:
			return -1
		case ab && !bb:
			return 1
		}
	}
	return 0
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
