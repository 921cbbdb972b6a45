package core

import (
	"context"
	"strings"

	"erpcore/pkg/query"
	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// SearchOptions bound and order a search. Order is a comma-separated list
// of stored field names, each optionally suffixed with "desc"; empty falls
// back to the model's declared order.
type SearchOptions struct {
	Order  string
	Limit  int
	Offset int
}

// Search compiles the domain against the model, scoped to the environment's
// tenant and to active records unless the domain conditions those fields,
// and returns the matching set.
func (rs *RecordSet) Search(ctx context.Context, d query.Domain, opts SearchOptions) (*RecordSet, error) {
	sctx, span := rs.env.svc.tracer.Start(ctx, "search")
	start := rs.env.svc.now()
	found, err := rs.search(sctx, d, opts)
	var ids []int64
	if found != nil {
		ids = found.ids
	}
	rs.env.svc.observe(sctx, span, rs.env, "search", rs.model.Name(), ids, start, err)
	return found, err
}

func (rs *RecordSet) search(ctx context.Context, d query.Domain, opts SearchOptions) (*RecordSet, error) {
	plan, err := rs.compile(d)
	if err != nil {
		return nil, err
	}
	order, err := rs.parseOrder(opts.Order)
	if err != nil {
		return nil, err
	}
	qopts := storage.QueryOptions{Order: order, Limit: opts.Limit, Offset: opts.Offset}
	var ids []int64
	err = rs.env.read(ctx, func(v storage.View) error {
		var err error
		ids, err = v.Query(rs.model.Name(), plan, qopts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs.with(ids), nil
}

// SearchCount returns the number of records matching the domain under the
// same scoping as Search.
func (rs *RecordSet) SearchCount(ctx context.Context, d query.Domain) (int, error) {
	plan, err := rs.compile(d)
	if err != nil {
		return 0, err
	}
	var n int
	err = rs.env.read(ctx, func(v storage.View) error {
		var err error
		n, err = v.Count(rs.model.Name(), plan)
		return err
	})
	return n, err
}

// Exists reports whether any record matches the domain.
func (rs *RecordSet) Exists(ctx context.Context, d query.Domain) (bool, error) {
	plan, err := rs.compile(d)
	if err != nil {
		return false, err
	}
	var ids []int64
	err = rs.env.read(ctx, func(v storage.View) error {
		var err error
		ids, err = v.Query(rs.model.Name(), plan, storage.QueryOptions{Limit: 1})
		return err
	})
	return len(ids) > 0, err
}

func (rs *RecordSet) compile(d query.Domain) (*query.Plan, error) {
	return query.Compile(rs.env.registry(), rs.model.Name(), d, query.Scope{Tenant: rs.env.Tenant})
}

// parseOrder translates an order clause into storage terms, appending the
// model default and id as stable tie-breakers.
func (rs *RecordSet) parseOrder(clause string) ([]storage.OrderTerm, error) {
	var terms []storage.OrderTerm
	seen := make(map[string]struct{})
	add := func(field string, desc bool) error {
		f, ok := rs.model.Field(field)
		if !ok {
			return FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "unknown field"}
		}
		if f.Virtual() || (f.Kind.Relational() && f.Kind != schema.KindManyToOne) {
			return FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "cannot order by this field"}
		}
		if _, dup := seen[field]; dup {
			return nil
		}
		seen[field] = struct{}{}
		terms = append(terms, storage.OrderTerm{Field: field, Desc: desc})
		return nil
	}
	parseClause := func(clause string) error {
		for _, part := range strings.Split(clause, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			tokens := strings.Fields(part)
			desc := false
			if len(tokens) > 1 {
				switch strings.ToLower(tokens[1]) {
				case "desc":
					desc = true
				case "asc":
				default:
					return FieldAccessError{Model: rs.model.Name(), Field: tokens[0], Reason: "invalid order direction " + tokens[1]}
				}
			}
			if err := add(tokens[0], desc); err != nil {
				return err
			}
		}
		return nil
	}
	if err := parseClause(clause); err != nil {
		return nil, err
	}
	// model default and id act as stable tie-breakers
	if err := parseClause(rs.model.Order()); err != nil {
		return nil, err
	}
	if err := add(schema.FieldID, false); err != nil {
		return nil, err
	}
	return terms, nil
}
