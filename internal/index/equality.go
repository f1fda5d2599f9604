// Package index implements the collection engine's incrementally-maintained
// indexes (§4.8): equality-by-field, equality-by-expression, and range.
package index

import "github.com/estuary/reactivedb/internal/compare"

// Extractor pulls the indexed value out of an entity.
type Extractor func(entity map[string]any) any

// Equality is `name -> map<value, set<key>>`, maintained incrementally as
// entities are inserted, updated, or deleted.
type Equality struct {
	extract Extractor
	buckets map[any]map[any]struct{}
}

func NewEquality(extract Extractor) *Equality {
	return &Equality{extract: extract, buckets: map[any]map[any]struct{}{}}
}

func (idx *Equality) key(v any) any { return compare.NormalizeForMapKey(v) }

func (idx *Equality) Insert(key, entityKey any, entity map[string]any) {
	v := idx.key(idx.extract(entity))
	set, ok := idx.buckets[v]
	if !ok {
		set = map[any]struct{}{}
		idx.buckets[v] = set
	}
	set[entityKey] = struct{}{}
}

func (idx *Equality) Remove(entityKey any, entity map[string]any) {
	v := idx.key(idx.extract(entity))
	if set, ok := idx.buckets[v]; ok {
		delete(set, entityKey)
		if len(set) == 0 {
			delete(idx.buckets, v)
		}
	}
}

// Update removes the old entry and inserts the new one; entityKey is the
// primary key, unaffected by the value change.
func (idx *Equality) Update(entityKey any, oldEntity, newEntity map[string]any) {
	idx.Remove(entityKey, oldEntity)
	idx.Insert(nil, entityKey, newEntity)
}

// Lookup returns the set of primary keys whose indexed value equals v.
func (idx *Equality) Lookup(v any) []any {
	set, ok := idx.buckets[idx.key(v)]
	if !ok {
		return nil
	}
	out := make([]any, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func (idx *Equality) Rebuild() {
	idx.buckets = map[any]map[any]struct{}{}
}
