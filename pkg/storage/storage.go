// Package storage defines the contract between the record engine and its
// persistence backends: row-level fetch/query/mutate primitives inside an
// explicit transactional boundary. Durable backends wrap the in-memory
// implementation and snapshot committed state.
package storage

import (
	"context"

	"erpcore/pkg/query"
)

// Row holds the stored column values of one record. Values are restricted to
// the canonical forms nil, bool, int64, float64 and string so snapshots
// round-trip through JSON unchanged.
type Row map[string]any

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// OrderTerm is one element of a result ordering.
type OrderTerm struct {
	Field string
	Desc  bool
}

// QueryOptions bound and order a query's result rows.
type QueryOptions struct {
	Order  []OrderTerm
	Limit  int
	Offset int
}

// View provides read access to a consistent snapshot of the stored state.
// Read-only views take no locks against each other.
type View interface {
	// Fetch returns the requested stored fields of the given records in one
	// call. Missing ids are absent from the result, not an error.
	Fetch(model string, ids []int64, fields []string) (map[int64]Row, error)
	// Query evaluates a compiled plan and returns matching ids, ordered and
	// bounded per opts.
	Query(model string, plan *query.Plan, opts QueryOptions) ([]int64, error)
	// Count returns the number of records matching a compiled plan.
	Count(model string, plan *query.Plan) (int, error)
	// Links returns, per left-side id, the ordered right-side ids of a
	// many-to-many relation.
	Links(relation string, ids []int64) (map[int64][]int64, error)
	// ReverseLinks returns, per right-side id, the left-side ids linked to it.
	ReverseLinks(relation string, ids []int64) (map[int64][]int64, error)
}

// Tx extends View with mutations applied atomically: either every change of
// the transaction commits, or none does.
type Tx interface {
	View
	// Insert stores new rows and returns their assigned ids in order.
	Insert(model string, rows []Row) ([]int64, error)
	// Update applies the given values to every listed record.
	Update(model string, ids []int64, values Row) error
	// Delete removes the listed records.
	Delete(model string, ids []int64) error
	// ReplaceLinks replaces all right-side ids linked to the left-side id.
	ReplaceLinks(relation string, id int64, targets []int64) error
	// AddLinks links the targets to the left-side id, ignoring existing pairs.
	AddLinks(relation string, id int64, targets []int64) error
	// RemoveLinks removes the link pairs if present.
	RemoveLinks(relation string, id int64, targets []int64) error
	// RemoveAllLinks removes every pair whose left side is in leftIDs or
	// whose right side is in rightIDs; used when records are deleted.
	RemoveAllLinks(relation string, leftIDs, rightIDs []int64) error
}

// Store is the transactional persistence boundary. A failure anywhere inside
// fn aborts the whole transaction; partial application is never observable.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(View) error) error
}
