package memory

import (
	"encoding/json"
	"sort"
	"strings"

	"erpcore/pkg/storage"
)

// Snapshot is the serializable image of the committed state. Durable stores
// persist it after every successful transaction and hydrate from it on
// startup.
type Snapshot struct {
	Rows  map[string][]storage.Row `json:"rows"`
	Links map[string][]Link        `json:"links,omitempty"`
	Seq   map[string]int64         `json:"sequences,omitempty"`
}

// ExportState captures a snapshot of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Rows:  make(map[string][]storage.Row, len(s.state.rows)),
		Links: make(map[string][]Link, len(s.state.links)),
		Seq:   make(map[string]int64, len(s.state.seq)),
	}
	for model, table := range s.state.rows {
		ids := make([]int64, 0, len(table))
		for id := range table {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		rows := make([]storage.Row, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, table[id].Clone())
		}
		snap.Rows[model] = rows
	}
	for rel, pairs := range s.state.links {
		snap.Links[rel] = append([]Link(nil), pairs...)
	}
	for model, n := range s.state.seq {
		snap.Seq[model] = n
	}
	return snap
}

// ImportState replaces the committed state with the snapshot contents.
// json.Number values surviving a JSON round trip are narrowed back to the
// canonical int64/float64 forms.
func (s *Store) ImportState(snap Snapshot) {
	st := newState()
	for model, rows := range snap.Rows {
		table := make(map[int64]storage.Row, len(rows))
		for _, row := range rows {
			normalized := make(storage.Row, len(row))
			for k, v := range row {
				normalized[k] = normalizeJSONValue(v)
			}
			id, ok := asInt64(normalized["id"])
			if !ok || id == 0 {
				continue
			}
			table[id] = normalized
			if id > st.seq[model] {
				st.seq[model] = id
			}
		}
		st.rows[model] = table
	}
	for rel, pairs := range snap.Links {
		st.links[rel] = append([]Link(nil), pairs...)
	}
	for model, n := range snap.Seq {
		if n > st.seq[model] {
			st.seq[model] = n
		}
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func normalizeJSONValue(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	text := num.String()
	if !strings.ContainsAny(text, ".eE") {
		if i, err := num.Int64(); err == nil {
			return i
		}
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return text
}
