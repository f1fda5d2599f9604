package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/reactivedb/internal/txn"
)

func testConfig(id string, syncFn func(SyncController) (func(), error)) *Config {
	return &Config{
		ID:        id,
		GetKey:    func(e Entity) Key { return e["id"] },
		StartSync: true,
		Sync:      SyncConfig{Sync: syncFn},
	}
}

func oneShotSync(rows []Entity) func(SyncController) (func(), error) {
	return func(ctrl SyncController) (func(), error) {
		ctrl.Begin()
		for _, r := range rows {
			ctrl.Write(WriteOp{Type: Insert, Value: r})
		}
		ctrl.Commit()
		ctrl.MarkReady()
		return func() {}, nil
	}
}

func TestCollectionSyncPopulatesVisibleState(t *testing.T) {
	var c, err = New(testConfig("widgets", oneShotSync([]Entity{
		{"id": "a", "n": 1},
		{"id": "b", "n": 2},
	})), nil)
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var _, rerr = c.StateWhenReady(ctx)
	require.NoError(t, rerr)

	require.Equal(t, 2, c.Size())
	var v, ok = c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v["n"])
}

func TestCollectionSubscribeChangesSendsInitialStateOnce(t *testing.T) {
	var c, err = New(testConfig("widgets", oneShotSync([]Entity{{"id": "a", "n": 1}})), nil)
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rerr := c.StateWhenReady(ctx)
	require.NoError(t, rerr)

	var received []Change
	var sub = c.SubscribeChanges(nil, true, func(changes []Change) {
		received = append(received, changes...)
	})
	defer sub.Unsubscribe()

	require.Len(t, received, 1)
	require.Equal(t, Insert, received[0].Type)
}

func TestCollectionOptimisticOverlayVisibleBeforeSync(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var c, err = New(&Config{
		ID:     "widgets",
		GetKey: func(e Entity) Key { return e["id"] },
		Sync: SyncConfig{Sync: func(ctrl SyncController) (func(), error) {
			ctrl.MarkReady()
			return func() {}, nil
		}},
	}, mgr)
	require.NoError(t, err)
	require.NoError(t, c.startSync())

	var persisted = make(chan struct{})
	var tx, ierr = c.Insert(context.Background(), Entity{"id": "x", "n": 7},
		func(tx *txn.Transaction) (any, error) {
			close(persisted)
			return nil, nil
		}, nil)
	require.NoError(t, ierr)

	var v, ok = c.Get("x")
	require.True(t, ok)
	require.Equal(t, 7, v["n"])

	<-persisted
	require.NoError(t, tx.IsPersisted.Wait(context.Background()))
}

func TestCollectionDuplicateSyncInsertIsFatalForRegularCollection(t *testing.T) {
	var c, err = New(&Config{
		ID:     "widgets",
		GetKey: func(e Entity) Key { return e["id"] },
		Sync: SyncConfig{Sync: func(ctrl SyncController) (func(), error) {
			ctrl.Begin()
			ctrl.Write(WriteOp{Type: Insert, Value: Entity{"id": "a", "n": 1}})
			ctrl.Commit()
			ctrl.Begin()
			ctrl.Write(WriteOp{Type: Insert, Value: Entity{"id": "a", "n": 2}})
			ctrl.Commit()
			ctrl.MarkReady()
			return func() {}, nil
		}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, c.startSync())

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rerr := c.StateWhenReady(ctx)
	require.Error(t, rerr)
	require.Equal(t, StatusErrored, c.Status())
	require.ErrorIs(t, c.StatusError(), rerr)
}

func TestCollectionDuplicateSyncInsertWithIdenticalValueIsSilent(t *testing.T) {
	var c, err = New(testConfig("widgets", func(ctrl SyncController) (func(), error) {
		ctrl.Begin()
		ctrl.Write(WriteOp{Type: Insert, Value: Entity{"id": "a", "n": 1}})
		ctrl.Commit()
		ctrl.Begin()
		ctrl.Write(WriteOp{Type: Insert, Value: Entity{"id": "a", "n": 1}})
		ctrl.Commit()
		ctrl.MarkReady()
		return func() {}, nil
	}), nil)
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, rerr := c.StateWhenReady(ctx)
	require.NoError(t, rerr)
	require.Equal(t, StatusOK, c.Status())
	var v, ok = c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v["n"])
}

func TestCollectionGCCleansUpWhenIdle(t *testing.T) {
	var cleaned = make(chan struct{})
	var c, err = New(&Config{
		ID:        "widgets",
		GetKey:    func(e Entity) Key { return e["id"] },
		GCTime:    10 * time.Millisecond,
		StartSync: true,
		Sync: SyncConfig{Sync: func(ctrl SyncController) (func(), error) {
			ctrl.MarkReady()
			return func() { close(cleaned) }, nil
		}},
	}, nil)
	require.NoError(t, err)

	var sub = c.SubscribeChanges(nil, false, func([]Change) {})
	sub.Unsubscribe()

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("collection was not garbage collected")
	}
}
