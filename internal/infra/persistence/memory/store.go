// Package memory provides the in-memory transactional row store every
// durable backend wraps. Transactions mutate a deep clone of the state and
// swap it in on success, so a failed transaction never leaves partial
// changes behind; reads run against cloned snapshots and take no write lock.
package memory

import (
	"context"
	"sort"
	"sync"

	"erpcore/pkg/query"
	"erpcore/pkg/storage"
)

// Link is one ordered pair of a many-to-many relation. Left belongs to the
// lexicographically smaller of the two linked models.
type Link struct {
	Left  int64 `json:"left"`
	Right int64 `json:"right"`
}

type state struct {
	rows  map[string]map[int64]storage.Row
	links map[string][]Link
	seq   map[string]int64
}

func newState() state {
	return state{
		rows:  make(map[string]map[int64]storage.Row),
		links: make(map[string][]Link),
		seq:   make(map[string]int64),
	}
}

func (s state) clone() state {
	cloned := newState()
	for model, table := range s.rows {
		ct := make(map[int64]storage.Row, len(table))
		for id, row := range table {
			ct[id] = row.Clone()
		}
		cloned.rows[model] = ct
	}
	for rel, pairs := range s.links {
		cloned.links[rel] = append([]Link(nil), pairs...)
	}
	for model, n := range s.seq {
		cloned.seq[model] = n
	}
	return cloned
}

// Store is the in-memory transactional store.
type Store struct {
	mu    sync.RWMutex
	state state
}

var _ storage.Store = (*Store)(nil)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// RunInTransaction executes fn against a transactional copy of the state and
// swaps it in when fn succeeds. Writers are serialized; a second concurrent
// transaction on overlapping records blocks until the first commits or rolls
// back.
func (s *Store) RunInTransaction(_ context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &tx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against a read-only snapshot of the committed state.
func (s *Store) View(_ context.Context, fn func(storage.View) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&tx{state: snapshot})
}

// tx implements both the read and write halves of the storage contract over
// a private state copy.
type tx struct {
	state state
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) Fetch(model string, ids []int64, fields []string) (map[int64]storage.Row, error) {
	table := t.state.rows[model]
	out := make(map[int64]storage.Row, len(ids))
	for _, id := range ids {
		row, ok := table[id]
		if !ok {
			continue
		}
		picked := make(storage.Row, len(fields)+1)
		picked["id"] = id
		for _, f := range fields {
			if v, ok := row[f]; ok {
				picked[f] = v
			} else {
				picked[f] = nil
			}
		}
		out[id] = picked
	}
	return out, nil
}

func (t *tx) Query(model string, plan *query.Plan, opts storage.QueryOptions) ([]int64, error) {
	matched, err := t.match(model, plan)
	if err != nil {
		return nil, err
	}
	if len(opts.Order) > 0 {
		table := t.state.rows[model]
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := table[matched[i]], table[matched[j]]
			for _, term := range opts.Order {
				c := compareForSort(a[term.Field], b[term.Field])
				if c == 0 {
					continue
				}
				if term.Desc {
					return c > 0
				}
				return c < 0
			}
			return matched[i] < matched[j]
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (t *tx) Count(model string, plan *query.Plan) (int, error) {
	matched, err := t.match(model, plan)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// match evaluates the plan over the model table in ascending id order so the
// unordered result set is still deterministic.
func (t *tx) match(model string, plan *query.Plan) ([]int64, error) {
	table := t.state.rows[model]
	ids := make([]int64, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var matched []int64
	for _, id := range ids {
		ok, err := t.eval(model, table[id], plan.Root)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

func (t *tx) Links(relation string, ids []int64) (map[int64][]int64, error) {
	want := idSet(ids)
	out := make(map[int64][]int64, len(ids))
	for _, pair := range t.state.links[relation] {
		if want[pair.Left] {
			out[pair.Left] = append(out[pair.Left], pair.Right)
		}
	}
	return out, nil
}

func (t *tx) ReverseLinks(relation string, ids []int64) (map[int64][]int64, error) {
	want := idSet(ids)
	out := make(map[int64][]int64, len(ids))
	for _, pair := range t.state.links[relation] {
		if want[pair.Right] {
			out[pair.Right] = append(out[pair.Right], pair.Left)
		}
	}
	return out, nil
}

func (t *tx) Insert(model string, rows []storage.Row) ([]int64, error) {
	table := t.state.rows[model]
	if table == nil {
		table = make(map[int64]storage.Row)
		t.state.rows[model] = table
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		t.state.seq[model]++
		id := t.state.seq[model]
		stored := row.Clone()
		stored["id"] = id
		table[id] = stored
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *tx) Update(model string, ids []int64, values storage.Row) error {
	table := t.state.rows[model]
	for _, id := range ids {
		row, ok := table[id]
		if !ok {
			continue
		}
		for k, v := range values {
			if k == "id" {
				continue
			}
			row[k] = v
		}
	}
	return nil
}

func (t *tx) Delete(model string, ids []int64) error {
	table := t.state.rows[model]
	for _, id := range ids {
		delete(table, id)
	}
	return nil
}

func (t *tx) ReplaceLinks(relation string, id int64, targets []int64) error {
	kept := t.state.links[relation][:0:0]
	for _, pair := range t.state.links[relation] {
		if pair.Left != id {
			kept = append(kept, pair)
		}
	}
	for _, target := range targets {
		kept = append(kept, Link{Left: id, Right: target})
	}
	t.state.links[relation] = kept
	return nil
}

func (t *tx) AddLinks(relation string, id int64, targets []int64) error {
	existing := make(map[int64]bool)
	for _, pair := range t.state.links[relation] {
		if pair.Left == id {
			existing[pair.Right] = true
		}
	}
	for _, target := range targets {
		if existing[target] {
			continue
		}
		t.state.links[relation] = append(t.state.links[relation], Link{Left: id, Right: target})
		existing[target] = true
	}
	return nil
}

func (t *tx) RemoveLinks(relation string, id int64, targets []int64) error {
	drop := idSet(targets)
	kept := t.state.links[relation][:0:0]
	for _, pair := range t.state.links[relation] {
		if pair.Left == id && drop[pair.Right] {
			continue
		}
		kept = append(kept, pair)
	}
	t.state.links[relation] = kept
	return nil
}

func (t *tx) RemoveAllLinks(relation string, leftIDs, rightIDs []int64) error {
	left, right := idSet(leftIDs), idSet(rightIDs)
	kept := t.state.links[relation][:0:0]
	for _, pair := range t.state.links[relation] {
		if left[pair.Left] || right[pair.Right] {
			continue
		}
		kept = append(kept, pair)
	}
	t.state.links[relation] = kept
	return nil
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
