package livequery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/reactivedb/internal/collection"
	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/querycompiler"
	"github.com/estuary/reactivedb/internal/registry"
	"github.com/estuary/reactivedb/internal/txn"
)

type fakeSources struct {
	colls map[string]*collection.Collection
}

func (s *fakeSources) Get(id string) (*collection.Collection, bool) {
	c, ok := s.colls[id]
	return c, ok
}

func oneShotSync(rows []collection.Entity) func(collection.SyncController) (func(), error) {
	return func(ctrl collection.SyncController) (func(), error) {
		ctrl.Begin()
		for _, r := range rows {
			ctrl.Write(collection.WriteOp{Type: collection.Insert, Value: r})
		}
		ctrl.Commit()
		ctrl.MarkReady()
		return func() {}, nil
	}
}

func newTestCollection(t *testing.T, mgr *txn.Manager, id string, rows []collection.Entity) *collection.Collection {
	t.Helper()
	c, err := collection.New(&collection.Config{
		ID:        id,
		GetKey:    func(e collection.Entity) collection.Key { return e["id"] },
		StartSync: true,
		Sync:      collection.SyncConfig{Sync: oneShotSync(rows)},
	}, mgr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rerr := c.StateWhenReady(ctx)
	require.NoError(t, rerr)
	return c
}

func TestLiveQueryTracksSourceInserts(t *testing.T) {
	mgr := txn.NewManager(nil)
	widgets := newTestCollection(t, mgr, "widgets", []collection.Entity{
		{"id": "a", "n": 1.0},
	})
	sources := &fakeSources{colls: map[string]*collection.Collection{"widgets": widgets}}
	comp := querycompiler.NewCompiler(registry.NewDefault(), sources)

	q := &ir.Query{
		From: map[string]ir.Source{"w": ir.FromCollection("widgets")},
		Select: map[string]ir.SelectItem{
			"id": ir.SelectExpr(ir.Ref("w", "id")),
			"n":  ir.SelectExpr(ir.Ref("w", "n")),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lq, err := New(ctx, comp, "widgets-view", q, func(e collection.Entity) collection.Key { return e["id"] })
	require.NoError(t, err)
	require.Equal(t, 1, lq.Size())

	var received []collection.Change
	sub := lq.SubscribeChanges(nil, false, func(changes []collection.Change) {
		received = append(received, changes...)
	})
	defer sub.Unsubscribe()

	_, err = widgets.Insert(context.Background(), collection.Entity{"id": "b", "n": 2.0},
		func(tx *txn.Transaction) (any, error) { return nil, nil }, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return lq.Size() == 2 }, time.Second, 5*time.Millisecond)
	require.NotEmpty(t, received)
}
