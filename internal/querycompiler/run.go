package querycompiler

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/dataflow"
	"github.com/estuary/reactivedb/internal/ir"
)

// Aliases returns the query's base alias followed by every joined alias, in
// join order — the set of collections a live query needs to subscribe to.
func (cq *CompiledQuery) Aliases() []string {
	out := []string{cq.baseAlias}
	for _, j := range cq.joins {
		out = append(out, j.alias)
	}
	return out
}

// CollectionFor returns the collection bound to alias, so a caller can
// subscribe to it and feed its changes back through ProcessChanges.
func (cq *CompiledQuery) CollectionFor(alias string) (*collection.Collection, bool) {
	if alias == cq.baseAlias {
		return cq.base, true
	}
	for _, j := range cq.joins {
		if j.alias == alias {
			return j.coll, true
		}
	}
	return nil, false
}

func changesToBatch(alias string, changes []collection.Change) dataflow.Batch {
	var out dataflow.Batch
	for _, ch := range changes {
		switch ch.Type {
		case ir.Insert:
			out = append(out, dataflow.Triple{Key: ch.Key, Value: ir.Row{alias: ch.Value}, Mult: 1})
		case ir.Delete:
			val := ch.Value
			if val == nil {
				val = ch.PreviousValue
			}
			out = append(out, dataflow.Triple{Key: ch.Key, Value: ir.Row{alias: val}, Mult: -1})
		case ir.Update:
			if ch.PreviousValue != nil {
				out = append(out, dataflow.Triple{Key: ch.Key, Value: ir.Row{alias: ch.PreviousValue}, Mult: -1})
			}
			out = append(out, dataflow.Triple{Key: ch.Key, Value: ir.Row{alias: ch.Value}, Mult: 1})
		}
	}
	return out
}

func filterBatch(in dataflow.Batch, pred func(ir.Row) bool) dataflow.Batch {
	if pred == nil {
		return in
	}
	var out dataflow.Batch
	for _, t := range in {
		if pred(t.Value) {
			out = append(out, t)
		}
	}
	return out
}

// evalFilter adapts a compiled boolean-valued expr.Evaluator (as produced by
// the operator registry's comparison/logical functions) to a dataflow
// predicate. A nil fn always passes.
func evalFilter(fn func(ir.Row) any) func(ir.Row) bool {
	if fn == nil {
		return nil
	}
	return func(row ir.Row) bool {
		v := fn(row)
		b, ok := v.(bool)
		return ok && b
	}
}

// ProcessChanges feeds changes observed on alias's underlying collection
// through the compiled pipeline — base/join filters, the join chain,
// groupBy, having, orderBy — and returns the resulting change messages
// against this query's output rows, keyed consistently with Select (§4.10).
//
// The join chain is assumed left-deep: each JoinClause correlates against
// the base alias or an already-introduced alias, matching how the query
// builder constructs them (§4.5). A change on the base alias re-enters the
// chain at the first join; a change on a joined alias re-enters at that
// join's ApplyRight and propagates through every join after it.
func (cq *CompiledQuery) ProcessChanges(alias string, changes []collection.Change) []collection.Change {
	batch := changesToBatch(alias, changes)

	var joined dataflow.Batch
	switch {
	case alias == cq.baseAlias:
		joined = filterBatch(batch, evalFilter(cq.baseFilter))
		for i := range cq.joins {
			j := &cq.joins[i]
			if j.lazy {
				dataflow.Tap(func(b dataflow.Batch) { cq.requestSyncMore(j, b) }).Apply(joined)
			}
			joined = j.op.ApplyLeft(joined)
			joined = filterBatch(joined, evalFilter(j.filter))
		}
	default:
		idx := -1
		for i, j := range cq.joins {
			if j.alias == alias {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil
		}
		joined = filterBatch(batch, evalFilter(cq.joins[idx].filter))
		joined = cq.joins[idx].op.ApplyRight(joined)
		for i := idx + 1; i < len(cq.joins); i++ {
			j := &cq.joins[i]
			if j.lazy {
				dataflow.Tap(func(b dataflow.Batch) { cq.requestSyncMore(j, b) }).Apply(joined)
			}
			joined = j.op.ApplyLeft(joined)
			joined = filterBatch(joined, evalFilter(j.filter))
		}
	}

	joined = filterBatch(joined, evalFilter(cq.residual))

	if cq.groupBy != nil {
		joined = cq.groupBy.Apply(joined)
		joined = filterBatch(joined, evalFilter(cq.havingEval))
	}

	if cq.orderBy != nil {
		joined = cq.orderBy.Apply(joined)
	}

	return cq.toChanges(joined)
}

// Snapshot materializes the query's current result set, as if every source
// collection's full state had just been observed as inserts. Used to seed a
// live query's initial state (§4.10). A lazy join's collection is skipped
// here: its rows arrive later, on demand, once ProcessChanges' SyncMore tap
// sees the driving keys on the eager side (§4.11/§4.12) — eagerly pulling
// it now would defeat the point of marking it on-demand in the first place.
func (cq *CompiledQuery) Snapshot() []collection.Change {
	var out []collection.Change
	out = append(out, cq.ProcessChanges(cq.baseAlias, cq.base.CurrentStateAsChanges())...)
	for _, j := range cq.joins {
		if j.lazy {
			continue
		}
		out = append(out, cq.ProcessChanges(j.alias, j.coll.CurrentStateAsChanges())...)
	}
	return out
}

// requestSyncMore extracts the driving join key from every triple in batch,
// and — for any key not already requested for j — issues a single SyncMore
// call carrying every new key (§8 S6: syncMore fires exactly once per
// distinct key set).
func (cq *CompiledQuery) requestSyncMore(j *compiledJoin, batch dataflow.Batch) {
	if len(batch) == 0 {
		return
	}
	var newKeys []collection.Key
	for _, t := range batch {
		k := j.leftKeyEval(t.Value)
		sig := fmt.Sprintf("%v", k)
		if j.requested[sig] {
			continue
		}
		j.requested[sig] = true
		newKeys = append(newKeys, k)
	}
	if len(newKeys) == 0 {
		return
	}
	_ = j.coll.RequestSyncMore(collection.SyncMoreRequest{
		Where: collection.InClause{Field: j.lazyField, Values: newKeys},
	})
}

// IsLoadingSubset reports whether any lazy join has outstanding on-demand
// requests against a collection that hasn't yet delivered any matching rows
// (§4.12 "isLoadingSubset").
func (cq *CompiledQuery) IsLoadingSubset() bool {
	for _, j := range cq.joins {
		if j.lazy && len(j.requested) > 0 && j.coll.Size() == 0 {
			return true
		}
	}
	return false
}

// toChanges converts a dataflow batch into change messages, folding the
// insert half of a matched delete+insert pair on the same key into a single
// Update (mirroring applyBatch's duplicate-insert-as-update behavior for
// compiled-query output, §4.12).
func (cq *CompiledQuery) toChanges(batch dataflow.Batch) []collection.Change {
	deletes := map[any]ir.Row{}
	for _, t := range batch {
		if t.Mult < 0 {
			deletes[t.Key] = t.Value
		}
	}
	var out []collection.Change
	for _, t := range batch {
		if t.Mult < 0 {
			continue
		}
		entity := cq.selectFn(t.Value)
		if prevRow, ok := deletes[t.Key]; ok {
			cq.applyIncludes(entity, t.Value, t.Key, ir.Update)
			out = append(out, collection.Change{Type: ir.Update, Key: t.Key, Value: entity, PreviousValue: cq.selectFn(prevRow)})
			delete(deletes, t.Key)
			continue
		}
		cq.applyIncludes(entity, t.Value, t.Key, ir.Insert)
		out = append(out, collection.Change{Type: ir.Insert, Key: t.Key, Value: entity})
	}
	for key, prevRow := range deletes {
		cq.applyIncludes(nil, nil, key, ir.Delete)
		out = append(out, collection.Change{Type: ir.Delete, Key: key, PreviousValue: cq.selectFn(prevRow)})
	}
	return out
}

// applyIncludes materializes, reuses, or tears down each include's
// per-parent child collection for row's key, writing the live
// *collection.Collection into entity under the include's field name
// (§4.12 "Includes"). A Delete tears every child down; an Insert for a key
// that already has children (only possible if a delete was skipped, e.g.
// on a fresh compile) replaces them; an Update reuses whatever's already
// there untouched.
func (cq *CompiledQuery) applyIncludes(entity ir.Entity, row ir.Row, key collection.Key, typ ir.ChangeType) {
	if len(cq.includes) == 0 {
		return
	}
	if cq.childrenByKey == nil {
		cq.childrenByKey = map[collection.Key]map[string]*collection.Collection{}
	}
	existing := cq.childrenByKey[key]

	if typ == ir.Delete {
		for _, child := range existing {
			child.Cleanup()
		}
		delete(cq.childrenByKey, key)
		return
	}

	fresh := typ == ir.Insert
	if existing == nil {
		existing = map[string]*collection.Collection{}
		cq.childrenByKey[key] = existing
		fresh = true
	}

	for _, inc := range cq.includes {
		if !fresh {
			if child, ok := existing[inc.field]; ok {
				entity[inc.field] = child
				continue
			}
		} else if old, ok := existing[inc.field]; ok {
			old.Cleanup()
		}
		parentValue := inc.parentKeyEval(row)
		childQuery := inc.build(parentValue)
		childCQ, err := inc.compiler.Compile(childQuery)
		if err != nil {
			log.WithField("include", inc.field).WithError(err).Error("include query failed to compile")
			continue
		}
		child, err := inc.compiler.materializeSubquery(childCQ)
		if err != nil {
			log.WithField("include", inc.field).WithError(err).Error("include child collection failed to materialize")
			continue
		}
		existing[inc.field] = child
		entity[inc.field] = child
	}
}
