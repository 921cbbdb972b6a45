package core

import (
	"context"
	"fmt"

	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// Create inserts one record and returns it as a singleton set. Defaults fill
// the fields absent from values; reserved fields are stamped by the engine.
func (rs *RecordSet) Create(ctx context.Context, values map[string]any) (*RecordSet, error) {
	created, err := rs.CreateMulti(ctx, []map[string]any{values})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateMulti inserts a batch of records in one transaction and returns the
// new set in input order.
func (rs *RecordSet) CreateMulti(ctx context.Context, values []map[string]any) (*RecordSet, error) {
	sctx, span := rs.env.svc.tracer.Start(ctx, "create")
	start := rs.env.svc.now()
	created, err := rs.createMulti(sctx, values)
	var ids []int64
	if created != nil {
		ids = created.ids
	}
	rs.env.svc.observe(sctx, span, rs.env, "create", rs.model.Name(), ids, start, err)
	return created, err
}

func (rs *RecordSet) createMulti(ctx context.Context, values []map[string]any) (*RecordSet, error) {
	if len(values) == 0 {
		return rs.with(nil), nil
	}
	model := rs.model.Name()
	now := rs.env.svc.now().UTC().Format(timeLayoutDatetime)

	rows := make([]storage.Row, len(values))
	o2mCmds := make([]map[string]LinkCommand, len(values))
	m2mCmds := make([]map[string]LinkCommand, len(values))
	touched := make(map[string]struct{})

	for i, vals := range values {
		row := storage.Row{}
		o2m := make(map[string]LinkCommand)
		m2m := make(map[string]LinkCommand)
		for name, v := range vals {
			f, ok := rs.model.Field(name)
			if !ok {
				return nil, FieldAccessError{Model: model, Field: name, Reason: "unknown field"}
			}
			if err := checkWritable(model, f, true); err != nil {
				return nil, err
			}
			touched[name] = struct{}{}
			switch f.Kind {
			case schema.KindOneToMany:
				cmd, err := asLinkCommand(model, f, v)
				if err != nil {
					return nil, err
				}
				o2m[name] = cmd
			case schema.KindManyToMany:
				cmd, err := asLinkCommand(model, f, v)
				if err != nil {
					return nil, err
				}
				m2m[name] = cmd
			default:
				nv, err := normalizeValue(model, f, v)
				if err != nil {
					return nil, err
				}
				row[name] = nv
			}
		}
		// Defaults fill unset stored fields before the required check.
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
			touched[f.Name] = struct{}{}
		}
		for _, f := range rs.model.Fields() {
			if f.Computed || f.Virtual() || schema.IsReserved(f.Name) || !f.Required {
				continue
			}
			if row[f.Name] == nil {
				return nil, ValidationError{Model: model, Constraint: "required", Message: fmt.Sprintf("field %s must be set", f.Name)}
			}
		}
		row[schema.FieldTenant] = rs.env.Tenant
		if _, set := vals[schema.FieldActive]; !set {
			row[schema.FieldActive] = true
		}
		row[schema.FieldCreatedAt] = now
		row[schema.FieldUpdatedAt] = now
		rows[i] = row
		o2mCmds[i] = o2m
		m2mCmds[i] = m2m
	}

	var created *RecordSet
	err := rs.env.runInTx(ctx, func(tx storage.Tx) error {
		ids, err := tx.Insert(model, rows)
		if err != nil {
			return err
		}
		created = rs.with(ids)
		for i, id := range ids {
			for name, v := range rows[i] {
				rs.env.setCached(model, id, name, v)
			}
			rs.env.setCached(model, id, schema.FieldID, id)
			for name, cmd := range o2mCmds[i] {
				f, _ := rs.model.Field(name)
				if err := rs.env.applyO2M(ctx, tx, model, id, f, cmd); err != nil {
					return err
				}
			}
			for name, cmd := range m2mCmds[i] {
				f, _ := rs.model.Field(name)
				if err := rs.env.applyM2M(tx, model, id, f, cmd); err != nil {
					return err
				}
			}
		}
		// New records derive every computed field on first read.
		for _, field := range rs.env.registry().Graph().ComputedFields(model) {
			for _, id := range ids {
				rs.env.markDirty(model, id, field)
			}
		}
		fields := make([]string, 0, len(touched))
		for name := range touched {
			fields = append(fields, name)
		}
		if err := rs.env.markAffected(ctx, tx, model, ids, fields, nil); err != nil {
			return err
		}
		return rs.env.checkConstraints(ctx, created, nil)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Write applies the given field values to every record of the set in one
// transaction. Relational list fields accept id slices or LinkCommands.
func (rs *RecordSet) Write(ctx context.Context, values map[string]any) error {
	sctx, span := rs.env.svc.tracer.Start(ctx, "write")
	start := rs.env.svc.now()
	err := rs.write(sctx, values)
	rs.env.svc.observe(sctx, span, rs.env, "write", rs.model.Name(), rs.ids, start, err)
	return err
}

func (rs *RecordSet) write(ctx context.Context, values map[string]any) error {
	if rs.IsEmpty() || len(values) == 0 {
		return nil
	}
	model := rs.model.Name()

	stored := storage.Row{}
	o2m := make(map[string]LinkCommand)
	m2m := make(map[string]LinkCommand)
	touched := make([]string, 0, len(values))
	for name, v := range values {
		f, ok := rs.model.Field(name)
		if !ok {
			return FieldAccessError{Model: model, Field: name, Reason: "unknown field"}
		}
		if err := checkWritable(model, f, false); err != nil {
			return err
		}
		touched = append(touched, name)
		switch f.Kind {
		case schema.KindOneToMany:
			cmd, err := asLinkCommand(model, f, v)
			if err != nil {
				return err
			}
			o2m[name] = cmd
		case schema.KindManyToMany:
			cmd, err := asLinkCommand(model, f, v)
			if err != nil {
				return err
			}
			m2m[name] = cmd
		default:
			nv, err := normalizeValue(model, f, v)
			if err != nil {
				return err
			}
			if f.Required && nv == nil {
				return ValidationError{Model: model, Constraint: "required", Message: fmt.Sprintf("field %s must be set", name), IDs: rs.IDs()}
			}
			stored[name] = nv
		}
	}

	if drafts := draftIDs(rs.ids); len(drafts) != 0 {
		return FieldAccessError{Model: model, Field: schema.FieldID, Reason: "draft records must be saved before writing"}
	}

	return rs.env.runInTx(ctx, func(tx storage.Tx) error {
		oldFields := make([]string, 0, len(stored)+1)
		for name := range stored {
			oldFields = append(oldFields, name)
		}
		oldFields = append(oldFields, schema.FieldTenant)
		old, err := tx.Fetch(model, rs.ids, oldFields)
		if err != nil {
			return err
		}
		// Rows owned by another tenant are as invisible to writes as they
		// are to reads.
		var gone []int64
		for _, id := range rs.ids {
			row, ok := old[id]
			if !ok {
				gone = append(gone, id)
				continue
			}
			if owner, _ := asInteger(row[schema.FieldTenant]); owner != rs.env.Tenant {
				gone = append(gone, id)
			}
		}
		if len(gone) > 0 {
			return MissingRecordError{Model: model, IDs: gone}
		}

		if len(stored) > 0 {
			stamp := stored.Clone()
			stamp[schema.FieldUpdatedAt] = rs.env.svc.now().UTC().Format(timeLayoutDatetime)
			if err := tx.Update(model, rs.ids, stamp); err != nil {
				return err
			}
			for _, id := range rs.ids {
				for name, v := range stamp {
					rs.env.setCached(model, id, name, v)
				}
			}
		}
		for _, id := range rs.ids {
			for name, cmd := range o2m {
				f, _ := rs.model.Field(name)
				if err := rs.env.applyO2M(ctx, tx, model, id, f, cmd); err != nil {
					return err
				}
			}
			for name, cmd := range m2m {
				f, _ := rs.model.Field(name)
				if err := rs.env.applyM2M(tx, model, id, f, cmd); err != nil {
					return err
				}
			}
		}
		if err := rs.env.markAffected(ctx, tx, model, rs.ids, touched, old); err != nil {
			return err
		}
		return rs.env.checkConstraints(ctx, rs, touched)
	})
}

func checkWritable(model string, f schema.Field, create bool) error {
	if f.Computed {
		return FieldAccessError{Model: model, Field: f.Name, Reason: "computed fields are derived, not written"}
	}
	if f.Readonly && !create {
		return FieldAccessError{Model: model, Field: f.Name, Reason: "field is readonly"}
	}
	if schema.IsReserved(f.Name) && f.Name != schema.FieldActive {
		return FieldAccessError{Model: model, Field: f.Name, Reason: "reserved fields are engine-managed"}
	}
	return nil
}

// applyO2M reconciles a one-to-many assignment by writing the inverse
// many-to-one on the target records.
func (env *Environment) applyO2M(ctx context.Context, tx storage.Tx, model string, id int64, f schema.Field, cmd LinkCommand) error {
	inverse := f.Inverse
	setParent := func(children []int64, parent any) error {
		if len(children) == 0 {
			return nil
		}
		old, err := tx.Fetch(f.Target, children, []string{inverse})
		if err != nil {
			return err
		}
		var gone []int64
		for _, child := range children {
			if _, ok := old[child]; !ok {
				gone = append(gone, child)
			}
		}
		if len(gone) > 0 {
			return MissingRecordError{Model: f.Target, IDs: gone}
		}
		stamp := storage.Row{inverse: parent, schema.FieldUpdatedAt: env.svc.now().UTC().Format(timeLayoutDatetime)}
		if err := tx.Update(f.Target, children, stamp); err != nil {
			return err
		}
		for _, child := range children {
			for name, v := range stamp {
				env.setCached(f.Target, child, name, v)
			}
		}
		return env.markAffected(ctx, tx, f.Target, children, []string{inverse}, old)
	}

	switch cmd.Op {
	case LinkAdd:
		return setParent(cmd.IDs, id)
	case LinkRemove:
		return env.detachChildren(ctx, tx, f, cmd.IDs, setParent)
	default: // LinkReplace
		current, err := tx.Query(f.Target, inPlan(f.Target, inverse, schema.KindManyToOne, []int64{id}), storage.QueryOptions{})
		if err != nil {
			return err
		}
		keep := make(map[int64]struct{}, len(cmd.IDs))
		for _, child := range cmd.IDs {
			keep[child] = struct{}{}
		}
		var drop []int64
		for _, child := range current {
			if _, ok := keep[child]; !ok {
				drop = append(drop, child)
			}
		}
		if err := env.detachChildren(ctx, tx, f, drop, setParent); err != nil {
			return err
		}
		return setParent(cmd.IDs, id)
	}
}

// detachChildren clears the inverse many-to-one of the given target records.
// A required inverse cannot be cleared; such children must be deleted or
// reassigned instead.
func (env *Environment) detachChildren(ctx context.Context, tx storage.Tx, f schema.Field, children []int64, setParent func([]int64, any) error) error {
	if len(children) == 0 {
		return nil
	}
	target, err := env.registry().Resolve(f.Target)
	if err != nil {
		return err
	}
	if inv, ok := target.Field(f.Inverse); ok && inv.Required {
		return ValidationError{Model: f.Target, Constraint: "required", Message: fmt.Sprintf("field %s must be set", f.Inverse), IDs: children}
	}
	return setParent(children, nil)
}

// applyM2M reconciles a many-to-many assignment through the relation's link
// table, honoring its side orientation.
func (env *Environment) applyM2M(tx storage.Tx, model string, id int64, f schema.Field, cmd LinkCommand) error {
	relation := schema.Relation(model, f)
	if model <= f.Target {
		switch cmd.Op {
		case LinkAdd:
			return tx.AddLinks(relation, id, cmd.IDs)
		case LinkRemove:
			return tx.RemoveLinks(relation, id, cmd.IDs)
		default:
			return tx.ReplaceLinks(relation, id, cmd.IDs)
		}
	}
	// The record sits on the right side; link ops address the left side.
	switch cmd.Op {
	case LinkAdd:
		for _, target := range cmd.IDs {
			if err := tx.AddLinks(relation, target, []int64{id}); err != nil {
				return err
			}
		}
		return nil
	case LinkRemove:
		for _, target := range cmd.IDs {
			if err := tx.RemoveLinks(relation, target, []int64{id}); err != nil {
				return err
			}
		}
		return nil
	default:
		if err := tx.RemoveAllLinks(relation, nil, []int64{id}); err != nil {
			return err
		}
		for _, target := range cmd.IDs {
			if err := tx.AddLinks(relation, target, []int64{id}); err != nil {
				return err
			}
		}
		return nil
	}
}

// checkConstraints runs the model's constraints whose declared fields
// intersect the touched set. A nil touched set runs every constraint.
func (env *Environment) checkConstraints(ctx context.Context, rs *RecordSet, touched []string) error {
	constraints := env.svc.rt.modelConstraints(rs.model.Name())
	if len(constraints) == 0 {
		return nil
	}
	env.LastTxStatus = TxValidating
	var touchedSet map[string]struct{}
	if touched != nil {
		touchedSet = make(map[string]struct{}, len(touched))
		for _, name := range touched {
			touchedSet[name] = struct{}{}
		}
	}
	for _, c := range constraints {
		if touchedSet != nil && len(c.Fields) > 0 {
			hit := false
			for _, name := range c.Fields {
				if _, ok := touchedSet[name]; ok {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		msg, err := c.Check(ctx, rs)
		if err != nil {
			return fmt.Errorf("constraint %s on %s: %w", c.Name, rs.model.Name(), err)
		}
		if msg != "" {
			return ValidationError{Model: rs.model.Name(), Constraint: c.Name, Message: msg, IDs: rs.IDs()}
		}
	}
	return nil
}

// Unlink deletes the records, enforcing the cascade policy of every
// inbound reference.
func (rs *RecordSet) Unlink(ctx context.Context) error {
	sctx, span := rs.env.svc.tracer.Start(ctx, "unlink")
	start := rs.env.svc.now()
	err := rs.env.runInTx(sctx, func(tx storage.Tx) error {
		return rs.unlinkInTx(sctx, tx)
	})
	rs.env.svc.observe(sctx, span, rs.env, "unlink", rs.model.Name(), rs.ids, start, err)
	return err
}

func (rs *RecordSet) unlinkInTx(ctx context.Context, tx storage.Tx) error {
	if rs.IsEmpty() {
		return nil
	}
	model := rs.model.Name()
	env := rs.env
	if drafts := draftIDs(rs.ids); len(drafts) != 0 {
		return FieldAccessError{Model: model, Field: schema.FieldID, Reason: "draft records are not persisted and cannot be unlinked"}
	}
	// Ownership is checked before any cascade runs; rows of another tenant
	// are as invisible to deletes as they are to reads.
	owners, err := tx.Fetch(model, rs.ids, []string{schema.FieldTenant})
	if err != nil {
		return err
	}
	var foreign []int64
	for _, id := range rs.ids {
		row, ok := owners[id]
		if !ok {
			continue
		}
		if owner, _ := asInteger(row[schema.FieldTenant]); owner != env.Tenant {
			foreign = append(foreign, id)
		}
	}
	if len(foreign) > 0 {
		return MissingRecordError{Model: model, IDs: foreign}
	}

	for _, ref := range env.registry().Referencers(model) {
		referring, err := tx.Query(ref.Model, inPlan(ref.Model, ref.Field, schema.KindManyToOne, rs.ids), storage.QueryOptions{})
		if err != nil {
			return err
		}
		if ref.Model == model {
			// Self-references within the deleted set resolve with it.
			referring = excludeIDs(referring, rs.ids)
		}
		if len(referring) == 0 {
			continue
		}
		switch ref.OnDelete {
		case schema.CascadeDelete:
			refSet, err := env.Model(ref.Model)
			if err != nil {
				return err
			}
			if err := refSet.Browse(referring...).unlinkInTx(ctx, tx); err != nil {
				return err
			}
		case schema.CascadeSetNull:
			old, err := tx.Fetch(ref.Model, referring, []string{ref.Field})
			if err != nil {
				return err
			}
			stamp := storage.Row{ref.Field: nil, schema.FieldUpdatedAt: env.svc.now().UTC().Format(timeLayoutDatetime)}
			if err := tx.Update(ref.Model, referring, stamp); err != nil {
				return err
			}
			for _, id := range referring {
				for name, v := range stamp {
					env.setCached(ref.Model, id, name, v)
				}
			}
			if err := env.markAffected(ctx, tx, ref.Model, referring, []string{ref.Field}, old); err != nil {
				return err
			}
		default: // CascadeRestrict
			return IntegrityError{Model: model, IDs: rs.IDs(), RefModel: ref.Model, RefField: ref.Field}
		}
	}

	// Downstream computed fields must be invalidated while the rows and
	// links still exist, so the walk can still reach them.
	old, err := tx.Fetch(model, rs.ids, rs.model.StoredFieldNames())
	if err != nil {
		return err
	}
	fields := append([]string(nil), rs.model.StoredFieldNames()...)
	for _, f := range rs.model.Fields() {
		if f.Kind == schema.KindOneToMany || f.Kind == schema.KindManyToMany {
			fields = append(fields, f.Name)
		}
	}
	if err := env.markAffected(ctx, tx, model, rs.ids, fields, old); err != nil {
		return err
	}

	swept := make(map[string]struct{})
	for _, f := range rs.model.Fields() {
		if f.Kind != schema.KindManyToMany {
			continue
		}
		relation := schema.Relation(model, f)
		if _, done := swept[relation]; done {
			continue
		}
		swept[relation] = struct{}{}
		if model <= f.Target {
			if err := tx.RemoveAllLinks(relation, rs.ids, nil); err != nil {
				return err
			}
		} else {
			if err := tx.RemoveAllLinks(relation, nil, rs.ids); err != nil {
				return err
			}
		}
	}

	if err := tx.Delete(model, rs.ids); err != nil {
		return err
	}
	for _, id := range rs.ids {
		env.evictRecord(model, id)
	}
	return nil
}

// Archive soft-hides the records from scoped queries.
func (rs *RecordSet) Archive(ctx context.Context) error {
	return rs.Write(ctx, map[string]any{schema.FieldActive: false})
}

// Unarchive restores the records into scoped queries.
func (rs *RecordSet) Unarchive(ctx context.Context) error {
	return rs.Write(ctx, map[string]any{schema.FieldActive: true})
}

func excludeIDs(ids, drop []int64) []int64 {
	dropSet := make(map[int64]struct{}, len(drop))
	for _, id := range drop {
		dropSet[id] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, skip := dropSet[id]; !skip {
			out = append(out, id)
		}
	}
	return out
}
