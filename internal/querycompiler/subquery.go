package querycompiler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/ir"
)

// resolveSource resolves a from/join source to a collection: a plain
// collection id is looked up in the compiler's registry, a nested subquery
// is compiled recursively and materialized into a synthetic collection
// whose synced state tracks its result set (§4.10 "Subqueries inside
// from/join are compiled recursively; their outputs feed the outer
// pipeline"). notFound supplies the right error type for a missing
// collection id at this call site (base vs. join position).
func (c *Compiler) resolveSource(src ir.Source, notFound func() error) (*collection.Collection, error) {
	if src.IsSubquery() {
		sub, err := c.Compile(src.Subquery)
		if err != nil {
			return nil, err
		}
		return c.materializeSubquery(sub)
	}
	coll, ok := c.sources.Get(src.CollectionID)
	if !ok {
		return nil, notFound()
	}
	return coll, nil
}

var subqueryIDSeq uint64

func subqueryCollectionID() string {
	n := atomic.AddUint64(&subqueryIDSeq, 1)
	return fmt.Sprintf("__subquery_%d", n)
}

// materializeSubquery wraps a compiled subquery in a collection of its own,
// driven by the same Begin/Write/Commit sync protocol a live query uses
// (internal/livequery), so the outer pipeline can treat a subquery's output
// exactly like any other source collection. Built locally instead of
// reusing internal/livequery to avoid an import cycle: livequery already
// imports querycompiler.
func (c *Compiler) materializeSubquery(sub *CompiledQuery) (*collection.Collection, error) {
	cfg := &collection.Config{
		ID: subqueryCollectionID(),
		// Every write this sync driver produces carries an explicit Key
		// (via WriteOp.Key, set by toSubqueryWriteOp), so GetKey is never
		// actually consulted; Config.Validate still requires it be set.
		GetKey: func(collection.Entity) collection.Key { return nil },
		Sync: collection.SyncConfig{
			Sync: func(ctrl collection.SyncController) (func(), error) {
				return startSubquerySync(sub, ctrl), nil
			},
		},
	}
	coll, err := collection.New(cfg, nil)
	if err != nil {
		return nil, err
	}
	// Mark as a live query before the first sync batch lands, so a derived
	// row re-computed on every upstream change doesn't trip the
	// duplicate-synced-insert error meant for host-driven collections
	// (§4.12, §7).
	coll.MarkAsLiveQuery()
	if err := coll.Preload(context.Background()); err != nil {
		return nil, err
	}
	return coll, nil
}

// startSubquerySync seeds the synthetic collection with sub's initial
// result set, marks it ready, then re-runs the pipeline on every change
// observed on any of sub's source collections, committing just the delta.
// Mirrors internal/livequery.startLiveSync.
func startSubquerySync(sub *CompiledQuery, ctrl collection.SyncController) func() {
	ctrl.Begin()
	for _, ch := range sub.Snapshot() {
		ctrl.Write(toSubqueryWriteOp(ch))
	}
	ctrl.Commit()
	ctrl.MarkReady()

	var subs []*collection.Subscription
	for _, alias := range sub.Aliases() {
		src, ok := sub.CollectionFor(alias)
		if !ok {
			continue
		}
		alias := alias
		s := src.SubscribeChanges(nil, false, func(changes []collection.Change) {
			out := sub.ProcessChanges(alias, changes)
			if len(out) == 0 {
				return
			}
			ctrl.Begin()
			for _, ch := range out {
				ctrl.Write(toSubqueryWriteOp(ch))
			}
			ctrl.Commit()
		})
		subs = append(subs, s)
	}

	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

func toSubqueryWriteOp(ch collection.Change) collection.WriteOp {
	if ch.Type == collection.Delete {
		return collection.WriteOp{Type: collection.Delete, Key: ch.Key}
	}
	return collection.WriteOp{Type: ch.Type, Key: ch.Key, Value: ch.Value}
}
