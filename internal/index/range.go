package index

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/reactivedb/internal/compare"
)

// entry is one (value, key) pair held by a range index, ordered by value.
type entry struct {
	value any
	key   any
}

// Range is an index keyed by a total order over an expression's value
// (§4.8), supporting ordered iteration for `orderBy`/`limit` and for
// range-indexed snapshot paging (§4.2 requestLimitedSnapshot).
//
// A small LRU page cache is held and purged on every mutation, but Take
// does not consult or fill it: every page is computed from the sorted
// entries on each call.
type Range struct {
	extract   Extractor
	collation compare.Collation
	entries   []entry // kept sorted by value, then key for stability
	pageCache *lru.Cache[string, []any]
}

func NewRange(extract Extractor, collation compare.Collation) *Range {
	cache, _ := lru.New[string, []any](32)
	return &Range{extract: extract, collation: collation, pageCache: cache}
}

func (idx *Range) less(a, b entry) bool {
	if c := compare.Order(a.value, b.value, idx.collation); c != 0 {
		return c < 0
	}
	return compare.Order(a.key, b.key, compare.CollationBinary) < 0
}

func (idx *Range) find(e entry) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return !idx.less(idx.entries[i], e)
	})
}

func (idx *Range) Insert(key any, entity map[string]any) {
	e := entry{value: idx.extract(entity), key: key}
	pos := idx.find(e)
	idx.entries = append(idx.entries, entry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = e
	idx.invalidate()
}

func (idx *Range) Remove(key any, entity map[string]any) {
	e := entry{value: idx.extract(entity), key: key}
	pos := idx.find(e)
	for i := pos; i < len(idx.entries); i++ {
		if idx.entries[i].key == key {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			break
		}
	}
	idx.invalidate()
}

func (idx *Range) Update(key any, oldEntity, newEntity map[string]any) {
	idx.Remove(key, oldEntity)
	idx.Insert(key, newEntity)
}

func (idx *Range) Rebuild() {
	idx.entries = nil
	idx.invalidate()
}

func (idx *Range) invalidate() {
	idx.pageCache.Purge()
}

// Take yields up to limit keys in order whose extracted value compares
// greater than minValue (exclusive), skipping entries for which filterFn
// returns false, per §4.8.
func (idx *Range) Take(limit int, minValue any, filterFn func(key any) bool) []any {
	start := 0
	if minValue != nil {
		start = sort.Search(len(idx.entries), func(i int) bool {
			return compare.Order(idx.entries[i].value, minValue, idx.collation) > 0
		})
	}
	out := make([]any, 0, limit)
	for i := start; i < len(idx.entries) && len(out) < limit; i++ {
		k := idx.entries[i].key
		if filterFn == nil || filterFn(k) {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns every key in ascending order, for full orderBy materialization.
func (idx *Range) Keys() []any {
	out := make([]any, len(idx.entries))
	for i, e := range idx.entries {
		out[i] = e.key
	}
	return out
}
