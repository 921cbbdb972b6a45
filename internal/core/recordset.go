package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"erpcore/pkg/schema"
)

// RecordSet is an ordered batch of record ids of one model, bound to an
// Environment. Operations on a set run batched; singleton sets obtained via
// Records behave like individual records while still sharing the
// environment cache.
type RecordSet struct {
	env   *Environment
	model *schema.Model
	ids   []int64
}

// Env returns the owning environment.
func (rs *RecordSet) Env() *Environment { return rs.env }

// ModelName returns the model the set ranges over.
func (rs *RecordSet) ModelName() string { return rs.model.Name() }

// IDs returns a copy of the record ids in order.
func (rs *RecordSet) IDs() []int64 {
	out := make([]int64, len(rs.ids))
	copy(out, rs.ids)
	return out
}

// ID returns the id of a singleton set.
func (rs *RecordSet) ID() (int64, error) {
	if len(rs.ids) != 1 {
		return 0, fmt.Errorf("%s: expected singleton, got %d records", rs.model.Name(), len(rs.ids))
	}
	return rs.ids[0], nil
}

// Len returns the number of records in the set.
func (rs *RecordSet) Len() int { return len(rs.ids) }

// IsEmpty reports whether the set holds no records.
func (rs *RecordSet) IsEmpty() bool { return len(rs.ids) == 0 }

// Browse returns a set over the given ids, preserving their order and
// dropping duplicates. Ids are not checked against storage until read.
func (rs *RecordSet) Browse(ids ...int64) *RecordSet {
	seen := make(map[int64]struct{}, len(ids))
	kept := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, id)
	}
	return rs.with(kept)
}

// Records returns one singleton set per record, in order.
func (rs *RecordSet) Records() []*RecordSet {
	out := make([]*RecordSet, len(rs.ids))
	for i, id := range rs.ids {
		out[i] = rs.with([]int64{id})
	}
	return out
}

func (rs *RecordSet) with(ids []int64) *RecordSet {
	return &RecordSet{env: rs.env, model: rs.model, ids: ids}
}

func (rs *RecordSet) sameModel(other *RecordSet) error {
	if other == nil {
		return fmt.Errorf("nil record set")
	}
	if rs.model.Name() != other.model.Name() {
		return fmt.Errorf("model mismatch: %s vs %s", rs.model.Name(), other.model.Name())
	}
	return nil
}

// Union returns the records present in either set, keeping the receiver's
// order first.
func (rs *RecordSet) Union(other *RecordSet) (*RecordSet, error) {
	if err := rs.sameModel(other); err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(rs.ids)+len(other.ids))
	out := make([]int64, 0, len(rs.ids)+len(other.ids))
	for _, id := range rs.ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range other.ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return rs.with(out), nil
}

// Intersect returns the records present in both sets, in the receiver's
// order.
func (rs *RecordSet) Intersect(other *RecordSet) (*RecordSet, error) {
	if err := rs.sameModel(other); err != nil {
		return nil, err
	}
	in := make(map[int64]struct{}, len(other.ids))
	for _, id := range other.ids {
		in[id] = struct{}{}
	}
	out := make([]int64, 0, len(rs.ids))
	for _, id := range rs.ids {
		if _, ok := in[id]; ok {
			out = append(out, id)
		}
	}
	return rs.with(out), nil
}

// Difference returns the receiver's records absent from other, in order.
func (rs *RecordSet) Difference(other *RecordSet) (*RecordSet, error) {
	if err := rs.sameModel(other); err != nil {
		return nil, err
	}
	drop := make(map[int64]struct{}, len(other.ids))
	for _, id := range other.ids {
		drop[id] = struct{}{}
	}
	out := make([]int64, 0, len(rs.ids))
	for _, id := range rs.ids {
		if _, skip := drop[id]; !skip {
			out = append(out, id)
		}
	}
	return rs.with(out), nil
}

// Contains reports whether every record of other is in the set.
func (rs *RecordSet) Contains(other *RecordSet) (bool, error) {
	if err := rs.sameModel(other); err != nil {
		return false, err
	}
	in := make(map[int64]struct{}, len(rs.ids))
	for _, id := range rs.ids {
		in[id] = struct{}{}
	}
	for _, id := range other.ids {
		if _, ok := in[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Filtered returns the records for which pred holds. The predicate receives
// singleton sets; field reads inside it stay batched through the shared
// cache.
func (rs *RecordSet) Filtered(ctx context.Context, pred func(*RecordSet) (bool, error)) (*RecordSet, error) {
	out := make([]int64, 0, len(rs.ids))
	for _, rec := range rs.Records() {
		keep, err := pred(rec)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, rec.ids[0])
		}
	}
	return rs.with(out), nil
}

// Sorted returns a new set ordered by less over singleton pairs.
func (rs *RecordSet) Sorted(less func(a, b *RecordSet) bool) *RecordSet {
	records := rs.Records()
	sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j]) })
	out := make([]int64, len(records))
	for i, rec := range records {
		out[i] = rec.ids[0]
	}
	return rs.with(out)
}

// SortedByField returns a new set ordered by a field's values.
func (rs *RecordSet) SortedByField(ctx context.Context, field string, desc bool) (*RecordSet, error) {
	if err := rs.ensureLoaded(ctx, []string{field}); err != nil {
		return nil, err
	}
	type pair struct {
		id int64
		v  any
	}
	pairs := make([]pair, len(rs.ids))
	for i, id := range rs.ids {
		v, _ := rs.env.cached(rs.model.Name(), id, field)
		pairs[i] = pair{id: id, v: v}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		cmp := compareValues(pairs[i].v, pairs[j].v)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	out := make([]int64, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return rs.with(out), nil
}

// Mapped resolves a dot path across the set and returns the terminal values
// in record order. Relational hops flatten and deduplicate ids.
func (rs *RecordSet) Mapped(ctx context.Context, path string) ([]any, error) {
	fields, err := rs.env.registry().ResolvePath(rs.model.Name(), path)
	if err != nil {
		return nil, err
	}
	current := rs
	for i, f := range fields {
		last := i == len(fields)-1
		if !f.Kind.Relational() {
			if !last {
				return nil, schema.InvalidFieldPathError{Model: rs.model.Name(), Path: path, Segment: f.Name, Reason: "cannot traverse scalar field"}
			}
			return current.fieldValues(ctx, f.Name)
		}
		next, err := current.related(ctx, f)
		if err != nil {
			return nil, err
		}
		if last {
			out := make([]any, len(next.ids))
			for j, id := range next.ids {
				out[j] = id
			}
			return out, nil
		}
		current = next
	}
	return nil, nil
}

// MappedRecords resolves a relational dot path and returns the flattened,
// deduplicated target set.
func (rs *RecordSet) MappedRecords(ctx context.Context, path string) (*RecordSet, error) {
	fields, err := rs.env.registry().ResolvePath(rs.model.Name(), path)
	if err != nil {
		return nil, err
	}
	current := rs
	for _, f := range fields {
		if !f.Kind.Relational() {
			return nil, schema.InvalidFieldPathError{Model: rs.model.Name(), Path: path, Segment: f.Name, Reason: "path must end on a relational field"}
		}
		next, err := current.related(ctx, f)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (rs *RecordSet) fieldValues(ctx context.Context, field string) ([]any, error) {
	if err := rs.ensureLoaded(ctx, []string{field}); err != nil {
		return nil, err
	}
	out := make([]any, len(rs.ids))
	for i, id := range rs.ids {
		v, _ := rs.env.cached(rs.model.Name(), id, field)
		out[i] = v
	}
	return out, nil
}

// Get returns a field value of a singleton record. Relational fields return
// a *RecordSet.
func (rs *RecordSet) Get(ctx context.Context, field string) (any, error) {
	id, err := rs.ID()
	if err != nil {
		return nil, err
	}
	f, ok := rs.model.Field(field)
	if !ok {
		return nil, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "unknown field"}
	}
	if f.Kind.Relational() {
		return rs.related(ctx, f)
	}
	if err := rs.ensureLoaded(ctx, []string{field}); err != nil {
		return nil, err
	}
	v, _ := rs.env.cached(rs.model.Name(), id, field)
	return v, nil
}

// GetString returns a text field value; nil reads as "".
func (rs *RecordSet) GetString(ctx context.Context, field string) (string, error) {
	v, err := rs.Get(ctx, field)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", FieldAccessError{Model: rs.model.Name(), Field: field, Reason: fmt.Sprintf("value is %T, not string", v)}
	}
	return s, nil
}

// GetInt returns an integer field value; nil reads as 0.
func (rs *RecordSet) GetInt(ctx context.Context, field string) (int64, error) {
	v, err := rs.Get(ctx, field)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	n, ok := asInteger(v)
	if !ok {
		return 0, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: fmt.Sprintf("value is %T, not integer", v)}
	}
	return n, nil
}

// GetFloat returns a float field value; nil reads as 0.
func (rs *RecordSet) GetFloat(ctx context.Context, field string) (float64, error) {
	v, err := rs.Get(ctx, field)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: fmt.Sprintf("value is %T, not float", v)}
	}
	return f, nil
}

// GetBool returns a bool field value; nil reads as false.
func (rs *RecordSet) GetBool(ctx context.Context, field string) (bool, error) {
	v, err := rs.Get(ctx, field)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: fmt.Sprintf("value is %T, not bool", v)}
	}
	return b, nil
}

// GetTime parses a date or datetime field value; nil reads as the zero time.
func (rs *RecordSet) GetTime(ctx context.Context, field string) (time.Time, error) {
	f, ok := rs.model.Field(field)
	if !ok {
		return time.Time{}, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "unknown field"}
	}
	var layout string
	switch f.Kind {
	case schema.KindDate:
		layout = timeLayoutDate
	case schema.KindDatetime:
		layout = timeLayoutDatetime
	default:
		return time.Time{}, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "not a temporal field"}
	}
	v, err := rs.Get(ctx, field)
	if err != nil {
		return time.Time{}, err
	}
	if v == nil {
		return time.Time{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, FieldAccessError{Model: rs.model.Name(), Field: field, Reason: fmt.Sprintf("value is %T, not timestamp", v)}
	}
	return time.Parse(layout, s)
}

// Set assigns a computed field value on every record of the set. It is the
// assignment primitive compute functions use; values land in the cache, and
// stored computed fields are persisted by the caller.
func (rs *RecordSet) Set(field string, value any) error {
	f, ok := rs.model.Field(field)
	if !ok {
		return FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "unknown field"}
	}
	if !f.Computed {
		return FieldAccessError{Model: rs.model.Name(), Field: field, Reason: "only computed fields accept assignment"}
	}
	normalized, err := normalizeValue(rs.model.Name(), f, value)
	if err != nil {
		return err
	}
	for _, id := range rs.ids {
		rs.env.setCached(rs.model.Name(), id, field, normalized)
		rs.env.clearDirty(rs.model.Name(), id, field)
	}
	return nil
}

func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0
		}
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if !aok || !bok {
			return 0
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
}
