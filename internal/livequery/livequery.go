// Package livequery turns a compiled query into an ordinary collection whose
// synced state tracks the query's result set: every change on a source
// collection is re-run through the pipeline and the delta is written back
// via the same Begin/Write/Commit sync protocol a host-supplied driver uses
// (spec.md §4.12). Grounded on the teacher's protocol.Notifier idiom: a
// long-lived subscription that re-drives a sink on every upstream event,
// just fed by an in-process pipeline instead of a wire connection.
package livequery

import (
	"context"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/querycompiler"
)

// New compiles q and returns a collection kept in sync with its result set.
// getKey extracts a key from a selected output row; it's only consulted when
// a WriteOp doesn't already carry an explicit key, which compiled-query
// output always does, but Config.Validate still requires GetKey to be set.
func New(ctx context.Context, comp *querycompiler.Compiler, id string, q *ir.Query, getKey func(collection.Entity) collection.Key) (*collection.Collection, error) {
	// id doubles as the compiled-pipeline cache shape: re-creating the same
	// live query (same id, same builder call site) reuses its compiled
	// plan instead of recompiling from scratch (§4.10).
	cq, err := comp.CompileCached(id, q)
	if err != nil {
		return nil, err
	}

	var c *collection.Collection
	cfg := &collection.Config{
		ID:     id,
		GetKey: getKey,
		Sync: collection.SyncConfig{
			Sync: func(ctrl collection.SyncController) (func(), error) {
				return startLiveSync(cq, c, ctrl), nil
			},
		},
	}
	c, err = collection.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	c.MarkAsLiveQuery()
	if err := c.Preload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// startLiveSync writes the query's initial result set, marks ready, then
// subscribes to every source collection so later changes re-run the
// pipeline and commit just their delta. self is the collection being
// driven; its isLoadingSubset flag is refreshed after every commit to
// reflect whether a lazy join still has outstanding on-demand requests
// (§4.12).
func startLiveSync(cq *querycompiler.CompiledQuery, self *collection.Collection, ctrl collection.SyncController) func() {
	ctrl.Begin()
	for _, ch := range cq.Snapshot() {
		ctrl.Write(toWriteOp(ch))
	}
	ctrl.Commit()
	self.SetLoadingSubset(cq.IsLoadingSubset())
	ctrl.MarkReady()

	var subs []*collection.Subscription
	for _, alias := range cq.Aliases() {
		src, ok := cq.CollectionFor(alias)
		if !ok {
			continue
		}
		alias := alias
		sub := src.SubscribeChanges(nil, false, func(changes []collection.Change) {
			out := cq.ProcessChanges(alias, changes)
			self.SetLoadingSubset(cq.IsLoadingSubset())
			if len(out) == 0 {
				return
			}
			ctrl.Begin()
			for _, ch := range out {
				ctrl.Write(toWriteOp(ch))
			}
			ctrl.Commit()
		})
		subs = append(subs, sub)
	}

	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

func toWriteOp(ch collection.Change) collection.WriteOp {
	if ch.Type == collection.Delete {
		return collection.WriteOp{Type: collection.Delete, Key: ch.Key}
	}
	return collection.WriteOp{Type: ch.Type, Key: ch.Key, Value: ch.Value}
}
