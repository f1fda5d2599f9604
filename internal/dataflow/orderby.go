package dataflow

import (
	"github.com/estuary/reactivedb/internal/compare"
	"github.com/estuary/reactivedb/internal/index"
	"github.com/estuary/reactivedb/internal/ir"
)

// OrderBy maintains a range index over the ordering expression and surfaces
// the window selected by limit/offset, stamping each surviving row with a
// stable `_orderByIndex` attribute top-K/limit consumers rely on (§4.9).
// limit <= 0 means unbounded (the whole ordered set is the window).
type OrderBy struct {
	rng      *index.Range
	extract  func(ir.Row) any
	rowByKey map[any]ir.Row
	limit    int
	offset   int

	prevWindow map[any]bool
}

func NewOrderBy(extract func(ir.Row) any, collation compare.Collation, limit, offset int) *OrderBy {
	o := &OrderBy{
		extract:    extract,
		rowByKey:   map[any]ir.Row{},
		limit:      limit,
		offset:     offset,
		prevWindow: map[any]bool{},
	}
	o.rng = index.NewRange(func(e map[string]any) any { return e["__value"] }, collation)
	return o
}

func (o *OrderBy) entityFor(row ir.Row) map[string]any {
	return map[string]any{"__value": o.extract(row)}
}

// Apply updates the range index from the batch, then recomputes the
// limit/offset window; it emits a retraction for every key that left the
// window and an insertion for every key in the new window, including keys
// that were already in it.
func (o *OrderBy) Apply(in Batch) Batch {
	for _, t := range in {
		switch {
		case t.Mult > 0:
			if old, ok := o.rowByKey[t.Key]; ok {
				o.rng.Update(t.Key, o.entityFor(old), o.entityFor(t.Value))
			} else {
				o.rng.Insert(t.Key, o.entityFor(t.Value))
			}
			o.rowByKey[t.Key] = t.Value
		case t.Mult < 0:
			if old, ok := o.rowByKey[t.Key]; ok {
				o.rng.Remove(t.Key, o.entityFor(old))
				delete(o.rowByKey, t.Key)
			}
		}
	}

	keys := o.rng.Keys()
	window := keys
	if o.offset > 0 && o.offset < len(keys) {
		window = keys[o.offset:]
	} else if o.offset >= len(keys) {
		window = nil
	}
	if o.limit > 0 && len(window) > o.limit {
		window = window[:o.limit]
	}

	newWindow := make(map[any]bool, len(window))
	var out Batch
	for i, k := range window {
		newWindow[k] = true
		row := withOrderIndex(o.rowByKey[k], o.offset+i)
		out = append(out, Triple{Key: k, Value: row, Mult: 1})
	}
	for k := range o.prevWindow {
		if !newWindow[k] {
			out = append(out, Triple{Key: k, Value: o.rowByKey[k], Mult: -1})
		}
	}
	o.prevWindow = newWindow
	return out
}

func withOrderIndex(row ir.Row, idx int) ir.Row {
	out := make(ir.Row, len(row))
	for alias, e := range row {
		clone := make(map[string]any, len(e)+1)
		for k, v := range e {
			clone[k] = v
		}
		out[alias] = clone
	}
	if out == nil {
		out = ir.Row{}
	}
	out["_orderByIndex"] = map[string]any{"value": idx}
	return out
}
