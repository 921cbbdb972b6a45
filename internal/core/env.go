package core

import (
	"context"

	"erpcore/pkg/schema"
	"erpcore/pkg/storage"
)

// Environment scopes record operations to a tenant and acting user. It holds
// the field cache shared by every RecordSet it hands out and tracks computed
// fields pending recomputation. Environments are not safe for concurrent
// use; open one per goroutine.
type Environment struct {
	svc    *Service
	Tenant int64
	Actor  string

	// cache holds field values per model and record id: stored fields as
	// fetched, computed fields as last derived.
	cache map[string]map[int64]storage.Row
	// dirty marks computed fields whose cached value may no longer match
	// their sources.
	dirty map[string]map[int64]map[string]struct{}

	// tx is the active write transaction; reads inside a write observe
	// uncommitted changes through it.
	tx storage.Tx

	// draftSeq hands out negative ids for unsaved draft records.
	draftSeq int64

	// LastTxStatus reports the outcome of the most recent write transaction.
	LastTxStatus TxStatus
}

// Service returns the owning service.
func (env *Environment) Service() *Service { return env.svc }

// Model returns an empty RecordSet bound to the named model.
func (env *Environment) Model(name string) (*RecordSet, error) {
	m, err := env.svc.rt.Registry().Resolve(name)
	if err != nil {
		return nil, err
	}
	return &RecordSet{env: env, model: m}, nil
}

// read runs fn against the active transaction when one is open, otherwise
// against a consistent read-only view.
func (env *Environment) read(ctx context.Context, fn func(storage.View) error) error {
	if env.tx != nil {
		return fn(env.tx)
	}
	return env.svc.store.View(ctx, fn)
}

// runInTx opens a write transaction, or joins the active one so nested
// writes share a single atomic boundary.
func (env *Environment) runInTx(ctx context.Context, fn func(storage.Tx) error) error {
	if env.tx != nil {
		return fn(env.tx)
	}
	env.LastTxStatus = TxPending
	err := env.svc.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		env.tx = tx
		defer func() { env.tx = nil }()
		return fn(tx)
	})
	if err != nil {
		// Cache entries written inside the aborted transaction would
		// otherwise leak uncommitted state.
		env.InvalidateCache()
		env.LastTxStatus = TxRejected
		return err
	}
	env.LastTxStatus = TxCommitted
	return nil
}

// nextDraftID returns a fresh negative id for a draft record. Negative ids
// never collide with storage-assigned ones.
func (env *Environment) nextDraftID() int64 {
	env.draftSeq--
	return env.draftSeq
}

// cached returns the cached value of a field if present.
func (env *Environment) cached(model string, id int64, field string) (any, bool) {
	rows, ok := env.cache[model]
	if !ok {
		return nil, false
	}
	row, ok := rows[id]
	if !ok {
		return nil, false
	}
	v, ok := row[field]
	return v, ok
}

func (env *Environment) setCached(model string, id int64, field string, value any) {
	rows, ok := env.cache[model]
	if !ok {
		rows = make(map[int64]storage.Row)
		env.cache[model] = rows
	}
	row, ok := rows[id]
	if !ok {
		row = make(storage.Row)
		rows[id] = row
	}
	row[field] = value
}

func (env *Environment) evictField(model string, id int64, field string) {
	if rows, ok := env.cache[model]; ok {
		if row, ok := rows[id]; ok {
			delete(row, field)
		}
	}
}

func (env *Environment) evictRecord(model string, id int64) {
	if rows, ok := env.cache[model]; ok {
		delete(rows, id)
	}
	if marks, ok := env.dirty[model]; ok {
		delete(marks, id)
	}
}

// markDirty flags a computed field of a record for recomputation and drops
// its cached value.
func (env *Environment) markDirty(model string, id int64, field string) {
	marks, ok := env.dirty[model]
	if !ok {
		marks = make(map[int64]map[string]struct{})
		env.dirty[model] = marks
	}
	fields, ok := marks[id]
	if !ok {
		fields = make(map[string]struct{})
		marks[id] = fields
	}
	fields[field] = struct{}{}
	env.evictField(model, id, field)
}

func (env *Environment) isDirty(model string, id int64, field string) bool {
	if marks, ok := env.dirty[model]; ok {
		if fields, ok := marks[id]; ok {
			_, dirty := fields[field]
			return dirty
		}
	}
	return false
}

func (env *Environment) clearDirty(model string, id int64, field string) {
	if marks, ok := env.dirty[model]; ok {
		if fields, ok := marks[id]; ok {
			delete(fields, field)
		}
	}
}

// InvalidateCache drops every cached value and pending recompute mark,
// forcing subsequent reads to hit storage again.
func (env *Environment) InvalidateCache() {
	env.cache = make(map[string]map[int64]storage.Row)
	env.dirty = make(map[string]map[int64]map[string]struct{})
}

func (env *Environment) registry() *schema.Registry { return env.svc.rt.Registry() }
