package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"erpcore/pkg/query"
	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// markAffected propagates a write of the given fields into dirty marks on
// every computed field derived from them. The walk runs inside the active
// transaction so it observes uncommitted rows and links. old carries the
// pre-write rows of the written records for fields whose previous value
// also routes the walk (a reparented child invalidates both parents).
func (env *Environment) markAffected(ctx context.Context, tx storage.View, model string, ids []int64, fields []string, old map[int64]storage.Row) error {
	graph := env.registry().Graph()
	for _, field := range fields {
		for _, trigger := range graph.Triggers(model, field) {
			affected, err := env.walkBack(ctx, tx, trigger.Path, field, ids, old)
			if err != nil {
				return err
			}
			for _, id := range affected {
				env.markDirty(trigger.Model, id, trigger.Field)
			}
		}
	}
	return nil
}

// walkBack maps written record ids to the records at the head of a forward
// dependency path by traversing its hops in inverse direction.
func (env *Environment) walkBack(ctx context.Context, tx storage.View, path []schema.PathHop, sourceField string, ids []int64, old map[int64]storage.Row) ([]int64, error) {
	current := ids
	for i := len(path) - 1; i >= 0; i-- {
		if len(current) == 0 {
			return nil, nil
		}
		hop := path[i]
		f := hop.Field
		switch f.Kind {
		case schema.KindManyToOne:
			plan := inPlan(hop.Model, f.Name, schema.KindManyToOne, current)
			next, err := tx.Query(hop.Model, plan, storage.QueryOptions{})
			if err != nil {
				return nil, err
			}
			current = next
		case schema.KindOneToMany:
			rows, err := tx.Fetch(f.Target, current, []string{f.Inverse})
			if err != nil {
				return nil, err
			}
			seen := make(map[int64]struct{})
			var next []int64
			add := func(v any) {
				parent, ok := asInteger(v)
				if !ok || parent == 0 {
					return
				}
				if _, dup := seen[parent]; dup {
					return
				}
				seen[parent] = struct{}{}
				next = append(next, parent)
			}
			for _, id := range current {
				if row, ok := rows[id]; ok {
					add(row[f.Inverse])
				}
				// A write moving the child between parents, or a delete,
				// invalidates the previous parent too.
				if i == len(path)-1 && sourceField == f.Inverse {
					if oldRow, ok := old[id]; ok {
						add(oldRow[f.Inverse])
					}
				}
			}
			current = next
		case schema.KindManyToMany:
			relation := schema.Relation(hop.Model, f)
			var grouped map[int64][]int64
			var err error
			if hop.Model <= f.Target {
				// hop.Model records are on the left side of the relation.
				grouped, err = tx.ReverseLinks(relation, current)
			} else {
				grouped, err = tx.Links(relation, current)
			}
			if err != nil {
				return nil, err
			}
			seen := make(map[int64]struct{})
			var next []int64
			for _, id := range current {
				for _, other := range grouped[id] {
					if _, dup := seen[other]; dup {
						continue
					}
					seen[other] = struct{}{}
					next = append(next, other)
				}
			}
			current = next
		default:
			return nil, fmt.Errorf("dependency hop %s.%s is not relational", hop.Model, f.Name)
		}
	}
	return current, nil
}

// recomputeField derives a computed field for the given ids. Stored results
// are persisted through the write transaction so dependent computed fields
// see the change; non-stored results live only in the cache.
func (rs *RecordSet) recomputeField(ctx context.Context, f schema.Field, ids []int64) error {
	model := rs.model.Name()
	fn, ok := rs.env.svc.rt.compute(model, f.Name)
	if !ok {
		return fmt.Errorf("computed field %s.%s has no registered function", model, f.Name)
	}
	sub := rs.with(ids)
	if err := fn(ctx, sub); err != nil {
		return fmt.Errorf("compute %s.%s: %w", model, f.Name, err)
	}
	for _, id := range ids {
		if _, ok := rs.env.cached(model, id, f.Name); !ok {
			rs.env.setCached(model, id, f.Name, nil)
		}
		rs.env.clearDirty(model, id, f.Name)
	}
	if !f.Stored {
		return nil
	}
	// Persist derived values and ripple the change to downstream computed
	// fields.
	return rs.env.runInTx(ctx, func(tx storage.Tx) error {
		stamp := rs.env.svc.now().UTC().Format(timeLayoutDatetime)
		for _, id := range ids {
			v, _ := rs.env.cached(model, id, f.Name)
			if err := tx.Update(model, []int64{id}, storage.Row{f.Name: v, schema.FieldUpdatedAt: stamp}); err != nil {
				return err
			}
			rs.env.setCached(model, id, schema.FieldUpdatedAt, stamp)
		}
		return rs.env.markAffected(ctx, tx, model, ids, []string{f.Name}, nil)
	})
}

// RecomputeStored refreshes every stale stored computed value of a model for
// one tenant, batched and bounded by workers. It is the maintenance entry
// point after bulk imports or compute function changes.
func (s *Service) RecomputeStored(ctx context.Context, tenant int64, model string, fields []string, batchSize, workers int) error {
	if batchSize <= 0 {
		batchSize = 200
	}
	if workers <= 0 {
		workers = 4
	}
	m, err := s.rt.Registry().Resolve(model)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		for _, f := range m.Fields() {
			if f.Computed && f.Stored {
				fields = append(fields, f.Name)
			}
		}
	}
	for _, name := range fields {
		f, ok := m.Field(name)
		if !ok || !f.Computed || !f.Stored {
			return fmt.Errorf("%s.%s is not a stored computed field", model, name)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	// Archived records keep their stored values fresh as well.
	plan := &query.Plan{Model: model, Root: query.Leaf{Field: schema.FieldTenant, Kind: schema.KindInteger, Op: query.OpEq, Value: tenant}}
	var ids []int64
	if err := s.store.View(ctx, func(v storage.View) error {
		var err error
		ids, err = v.Query(model, plan, storage.QueryOptions{})
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		g.Go(func() error {
			env, err := s.Env(tenant, "system")
			if err != nil {
				return err
			}
			rs, err := env.Model(model)
			if err != nil {
				return err
			}
			rs = rs.Browse(batch...)
			for _, id := range batch {
				for _, field := range fields {
					env.markDirty(model, id, field)
				}
			}
			return rs.ensureLoaded(gctx, fields)
		})
	}
	err = g.Wait()
	s.metrics.Observe(ctx, "recompute_stored", err == nil, 0)
	if err != nil {
		s.logger.Error("stored recompute failed", "model", model, "error", err)
		return err
	}
	s.logger.Info("stored recompute completed", "model", model, "records", len(ids), "fields", len(fields))
	return nil
}
