package core

import (
	"context"

	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// NewDraft builds an uncommitted record living only in the environment
// cache. Drafts carry a negative id, back wizard-style transient flows,
// and never touch storage until Save. Defaults fill unset fields; the
// required check is deferred to Save.
func (rs *RecordSet) NewDraft(values map[string]any) (*RecordSet, error) {
	model := rs.model.Name()
	row := storage.Row{}
	for name, v := range values {
		f, ok := rs.model.Field(name)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: name, Reason: "unknown field"}
		}
		if err := checkWritable(model, f, true); err != nil {
			return nil, err
		}
		if f.Kind == schema.KindOneToMany || f.Kind == schema.KindManyToMany {
			return nil, FieldAccessError{Model: model, Field: name, Reason: "draft records hold scalar and many-to-one values only"}
		}
		nv, err := normalizeValue(model, f, v)
		if err != nil {
			return nil, err
		}
		row[name] = nv
	}
	for _, f := range rs.model.Fields() {
		if f.Computed || f.Virtual() || schema.IsReserved(f.Name) {
			continue
		}
		if _, set := row[f.Name]; set {
			continue
		}
		var def any
		switch {
		case f.DefaultFunc != nil:
			def = f.DefaultFunc()
		case f.Default != nil:
			def = f.Default
		}
		if def == nil {
			row[f.Name] = nil
			continue
		}
		nv, err := normalizeValue(model, f, def)
		if err != nil {
			return nil, err
		}
		row[f.Name] = nv
	}
	if _, set := row[schema.FieldActive]; !set {
		row[schema.FieldActive] = true
	}
	row[schema.FieldTenant] = rs.env.Tenant

	id := rs.env.nextDraftID()
	for name, v := range row {
		rs.env.setCached(model, id, name, v)
	}
	rs.env.setCached(model, id, schema.FieldID, id)
	for _, field := range rs.env.registry().Graph().ComputedFields(model) {
		rs.env.markDirty(model, id, field)
	}
	return rs.with([]int64{id}), nil
}

// IsDraft reports whether the set is non-empty and holds only unsaved
// draft records.
func (rs *RecordSet) IsDraft() bool {
	if len(rs.ids) == 0 {
		return false
	}
	return len(draftIDs(rs.ids)) == len(rs.ids)
}

// Save materializes draft records into storage and returns the persisted
// set in draft order. The cached draft state is discarded.
func (rs *RecordSet) Save(ctx context.Context) (*RecordSet, error) {
	if rs.IsEmpty() {
		return rs.with(nil), nil
	}
	model := rs.model.Name()
	if !rs.IsDraft() {
		return nil, FieldAccessError{Model: model, Field: schema.FieldID, Reason: "only draft records can be saved"}
	}

	values := make([]map[string]any, 0, len(rs.ids))
	for _, id := range rs.ids {
		vals := make(map[string]any)
		for _, f := range rs.model.Fields() {
			if f.Computed || f.Virtual() || schema.IsReserved(f.Name) {
				continue
			}
			if v, ok := rs.env.cached(model, id, f.Name); ok && v != nil {
				vals[f.Name] = v
			}
		}
		if v, ok := rs.env.cached(model, id, schema.FieldActive); ok {
			vals[schema.FieldActive] = v
		}
		values = append(values, vals)
	}

	created, err := rs.CreateMulti(ctx, values)
	if err != nil {
		return nil, err
	}
	for _, id := range rs.ids {
		rs.env.evictRecord(model, id)
	}
	return created, nil
}

func draftIDs(ids []int64) []int64 {
	var out []int64
	for _, id := range ids {
		if id < 0 {
			out = append(out, id)
		}
	}
	return out
}
