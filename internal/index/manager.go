package index

import "github.com/estuary/reactivedb/internal/compare"

// Manager owns every index built for one collection, keyed by a stable
// signature (field path or compiled-expression identity) so repeated
// where/join clauses referencing the same field reuse one index (§4.1
// auto-indexing).
type Manager struct {
	equality map[string]*Equality
	ranges   map[string]*Range
}

func NewManager() *Manager {
	return &Manager{
		equality: map[string]*Equality{},
		ranges:   map[string]*Range{},
	}
}

func (m *Manager) EnsureEquality(signature string, extract Extractor) *Equality {
	if idx, ok := m.equality[signature]; ok {
		return idx
	}
	idx := NewEquality(extract)
	m.equality[signature] = idx
	return idx
}

func (m *Manager) EnsureRange(signature string, extract Extractor, collation compare.Collation) *Range {
	if idx, ok := m.ranges[signature]; ok {
		return idx
	}
	idx := NewRange(extract, collation)
	m.ranges[signature] = idx
	return idx
}

func (m *Manager) HasEquality(signature string) bool {
	_, ok := m.equality[signature]
	return ok
}

func (m *Manager) HasRange(signature string) bool {
	_, ok := m.ranges[signature]
	return ok
}

// Upsert pushes one entity change into every registered index. Callers pass
// the prior entity (nil for inserts) and the new entity (nil for deletes).
func (m *Manager) Upsert(key any, oldEntity, newEntity map[string]any) {
	for _, idx := range m.equality {
		switch {
		case oldEntity == nil:
			idx.Insert(nil, key, newEntity)
		case newEntity == nil:
			idx.Remove(key, oldEntity)
		default:
			idx.Update(key, oldEntity, newEntity)
		}
	}
	for _, idx := range m.ranges {
		switch {
		case oldEntity == nil:
			idx.Insert(key, newEntity)
		case newEntity == nil:
			idx.Remove(key, oldEntity)
		default:
			idx.Update(key, oldEntity, newEntity)
		}
	}
}

// Rebuild clears every index; callers re-Upsert the full visible state
// afterward. The collection's truncate path does not call it: applyBatch
// removes each truncated key from the indexes individually.
func (m *Manager) Rebuild() {
	for _, idx := range m.equality {
		idx.Rebuild()
	}
	for _, idx := range m.ranges {
		idx.Rebuild()
	}
}

func (m *Manager) RangeIndex(signature string) (*Range, bool) {
	r, ok := m.ranges[signature]
	return r, ok
}
