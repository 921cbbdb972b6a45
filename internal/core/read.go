package core

import (
	"context"

	"erpcore/pkg/query"
	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// ensureLoaded makes the given non-relational fields available in the cache
// for every record of the set. Stored fields missing from the cache are
// fetched in one batched call; computed fields whose value is absent or
// marked stale are derived, batched per field.
func (rs *RecordSet) ensureLoaded(ctx context.Context, fields []string) error {
	if len(rs.ids) == 0 {
		return nil
	}
	model := rs.model.Name()

	var fetch []string
	computed := make([]schema.Field, 0, 2)
	for _, name := range fields {
		f, ok := rs.model.Field(name)
		if !ok {
			return FieldAccessError{Model: model, Field: name, Reason: "unknown field"}
		}
		if f.Kind.Relational() {
			continue
		}
		if f.Computed {
			computed = append(computed, f)
			if f.Stored {
				fetch = append(fetch, name)
			}
			continue
		}
		fetch = append(fetch, name)
	}

	if err := rs.fetchMissing(ctx, fetch); err != nil {
		return err
	}

	for _, f := range computed {
		var stale []int64
		for _, id := range rs.ids {
			_, cached := rs.env.cached(model, id, f.Name)
			if rs.env.isDirty(model, id, f.Name) || !cached {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := rs.recomputeField(ctx, f, stale); err != nil {
			return err
		}
	}
	return nil
}

// fetchMissing loads stored fields absent from the cache with a single
// Fetch per call. Ids that resolve to no row produce MissingRecordError.
func (rs *RecordSet) fetchMissing(ctx context.Context, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	model := rs.model.Name()
	need := make(map[string]struct{}, len(fields))
	var missing []int64
	for _, id := range rs.ids {
		// Drafts exist only in the cache; absent fields read as nil.
		if id < 0 {
			continue
		}
		for _, name := range fields {
			// Stored computed values marked stale are refreshed by the
			// compute pass, not trusted from storage.
			if rs.env.isDirty(model, id, name) {
				continue
			}
			if _, ok := rs.env.cached(model, id, name); !ok {
				need[name] = struct{}{}
				missing = append(missing, id)
				break
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	cols := make([]string, 0, len(need))
	for name := range need {
		cols = append(cols, name)
	}
	var rows map[int64]storage.Row
	err := rs.env.read(ctx, func(v storage.View) error {
		var err error
		rows, err = v.Fetch(model, missing, cols)
		return err
	})
	if err != nil {
		return err
	}
	var gone []int64
	for _, id := range missing {
		row, ok := rows[id]
		if !ok {
			gone = append(gone, id)
			continue
		}
		for _, name := range cols {
			if f, ok := rs.model.Field(name); ok && f.Computed && rs.env.isDirty(model, id, name) {
				continue
			}
			rs.env.setCached(model, id, name, row[name])
		}
	}
	if len(gone) > 0 {
		return MissingRecordError{Model: model, IDs: gone}
	}
	return nil
}

// Rel resolves a relational field into the set it points at, flattened
// across the records and deduplicated. Many-to-one fields yield at most
// one record per source row.
func (rs *RecordSet) Rel(ctx context.Context, field string) (*RecordSet, error) {
	f, ok := rs.model.Field(field)
	if !ok {
		return nil, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "unknown field"}
	}
	if !f.Kind.Relational() {
		return nil, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "not a relational field"}
	}
	return rs.related(ctx, f)
}

// related resolves one relational hop for the whole set, flattened and
// deduplicated in traversal order.
func (rs *RecordSet) related(ctx context.Context, f schema.Field) (*RecordSet, error) {
	target, err := rs.env.Model(f.Target)
	if err != nil {
		return nil, err
	}
	if len(rs.ids) == 0 {
		return target, nil
	}
	switch f.Kind {
	case schema.KindManyToOne:
		if err := rs.ensureLoaded(ctx, []string{f.Name}); err != nil {
			return nil, err
		}
		seen := make(map[int64]struct{}, len(rs.ids))
		var out []int64
		for _, id := range rs.ids {
			v, _ := rs.env.cached(rs.model.Name(), id, f.Name)
			fk, ok := asInteger(v)
			if !ok || fk == 0 {
				continue
			}
			if _, dup := seen[fk]; dup {
				continue
			}
			seen[fk] = struct{}{}
			out = append(out, fk)
		}
		// A foreign key whose row is gone resolves to the empty set
		// rather than failing the read.
		if len(out) > 0 {
			var rows map[int64]storage.Row
			err := rs.env.read(ctx, func(v storage.View) error {
				var err error
				rows, err = v.Fetch(f.Target, out, []string{schema.FieldID})
				return err
			})
			if err != nil {
				return nil, err
			}
			kept := out[:0]
			for _, id := range out {
				if _, ok := rows[id]; ok {
					kept = append(kept, id)
				}
			}
			out = kept
		}
		return target.with(out), nil
	case schema.KindOneToMany:
		grouped, err := rs.childrenByParent(ctx, f)
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]struct{})
		var out []int64
		for _, parent := range rs.ids {
			for _, child := range grouped[parent] {
				if _, dup := seen[child]; dup {
					continue
				}
				seen[child] = struct{}{}
				out = append(out, child)
			}
		}
		return target.with(out), nil
	case schema.KindManyToMany:
		grouped, err := rs.linkedByRecord(ctx, f)
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]struct{})
		var out []int64
		for _, id := range rs.ids {
			for _, other := range grouped[id] {
				if _, dup := seen[other]; dup {
					continue
				}
				seen[other] = struct{}{}
				out = append(out, other)
			}
		}
		return target.with(out), nil
	default:
		return nil, FieldAccessError{Model: rs.model.Name(), Field: f.Name, Reason: "not a relational field"}
	}
}

// childrenByParent returns, per record id, the ordered child ids of a
// one-to-many field using a single inverse query.
func (rs *RecordSet) childrenByParent(ctx context.Context, f schema.Field) (map[int64][]int64, error) {
	targetModel, err := rs.env.registry().Resolve(f.Target)
	if err != nil {
		return nil, err
	}
	plan := inPlan(f.Target, f.Inverse, schema.KindManyToOne, rs.ids)
	opts := storage.QueryOptions{Order: []storage.OrderTerm{{Field: targetModel.Order()}, {Field: schema.FieldID}}}
	var childIDs []int64
	err = rs.env.read(ctx, func(v storage.View) error {
		var err error
		childIDs, err = v.Query(f.Target, plan, opts)
		if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	children := &RecordSet{env: rs.env, model: targetModel, ids: childIDs}
	if err := children.ensureLoaded(ctx, []string{f.Inverse}); err != nil {
		return nil, err
	}
	grouped := make(map[int64][]int64, len(rs.ids))
	for _, child := range childIDs {
		v, _ := rs.env.cached(f.Target, child, f.Inverse)
		parent, ok := asInteger(v)
		if !ok {
			continue
		}
		grouped[parent] = append(grouped[parent], child)
	}
	return grouped, nil
}

// linkedByRecord returns, per record id, the linked target ids of a
// many-to-many field with one relation lookup.
func (rs *RecordSet) linkedByRecord(ctx context.Context, f schema.Field) (map[int64][]int64, error) {
	relation := schema.Relation(rs.model.Name(), f)
	left := rs.model.Name() <= f.Target
	var grouped map[int64][]int64
	err := rs.env.read(ctx, func(v storage.View) error {
		var err error
		if left {
			grouped, err = v.Links(relation, rs.ids)
		} else {
			grouped, err = v.ReverseLinks(relation, rs.ids)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return grouped, nil
}

// Read returns the requested fields of every record as ordered maps. The id
// is always included; relational fields read as id slices (many-to-one as a
// single id or nil).
func (rs *RecordSet) Read(ctx context.Context, fields []string) ([]map[string]any, error) {
	model := rs.model.Name()
	if len(fields) == 0 {
		fields = rs.model.FieldNames()
	}
	var scalar []string
	relational := make([]schema.Field, 0, 2)
	for _, name := range fields {
		f, ok := rs.model.Field(name)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: name, Reason: "unknown field"}
		}
		if f.Kind.Relational() && f.Kind != schema.KindManyToOne {
			relational = append(relational, f)
			continue
		}
		scalar = append(scalar, name)
	}
	if err := rs.ensureLoaded(ctx, scalar); err != nil {
		return nil, err
	}

	related := make(map[string]map[int64][]int64, len(relational))
	for _, f := range relational {
		var grouped map[int64][]int64
		var err error
		if f.Kind == schema.KindOneToMany {
			grouped, err = rs.childrenByParent(ctx, f)
		} else {
			grouped, err = rs.linkedByRecord(ctx, f)
		}
		if err != nil {
			return nil, err
		}
		related[f.Name] = grouped
	}

	out := make([]map[string]any, len(rs.ids))
	for i, id := range rs.ids {
		row := make(map[string]any, len(fields)+1)
		row[schema.FieldID] = id
		for _, name := range scalar {
			v, _ := rs.env.cached(model, id, name)
			row[name] = v
		}
		for _, f := range relational {
			ids := related[f.Name][id]
			cp := make([]int64, len(ids))
			copy(cp, ids)
			row[f.Name] = cp
		}
		out[i] = row
	}
	return out, nil
}

func inPlan(model, field string, kind schema.Kind, ids []int64) *query.Plan {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return &query.Plan{Model: model, Root: query.Leaf{Field: field, Kind: kind, Op: query.OpIn, Value: vals}}
}
