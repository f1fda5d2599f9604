package strategy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/reactivedb/internal/ir"
	"github.com/estuary/reactivedb/internal/txn"
)

func countingPersist(n *int64) txn.PersistFunc {
	return func(tx *txn.Transaction) (any, error) {
		atomic.AddInt64(n, 1)
		return nil, nil
	}
}

func mut(key string, n int) txn.Mutation {
	return txn.Mutation{CollectionID: "things", Key: key, Type: ir.Insert, Value: ir.Entity{"n": n}}
}

func TestDebounceCollapsesBurstIntoOneDispatch(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var calls int64
	var d = NewDebounce(mgr, 30*time.Millisecond, false, true)
	defer d.Cleanup()

	for i := 0; i < 5; i++ {
		var _, err = d.Execute(context.Background(), []txn.Mutation{mut("a", i)}, WithPersist(countingPersist(&calls)))
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestThrottleLeadingFiresFirstCallImmediately(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var calls int64
	var th = NewThrottle(mgr, 50*time.Millisecond, true, false)
	defer th.Cleanup()

	var tx, err = th.Execute(context.Background(), []txn.Mutation{mut("a", 1)}, WithPersist(countingPersist(&calls)))
	require.NoError(t, err)
	require.NoError(t, tx.IsPersisted.Wait(context.Background()))
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestQueueSerializesDispatch(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var q = NewQueue(mgr, 0, Back, Front)
	defer q.Cleanup()

	var order []int
	var persist = func(i int) txn.PersistFunc {
		return func(tx *txn.Transaction) (any, error) {
			time.Sleep(5 * time.Millisecond)
			order = append(order, i)
			return nil, nil
		}
	}

	var done = make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			var _, _ = q.Execute(context.Background(), []txn.Mutation{mut("k", i)}, WithPersist(persist(i)))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	require.Len(t, order, 3)
}

func TestDependencyQueueRunsDisjointKeysConcurrently(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var dq = NewDependencyQueue(mgr)
	defer dq.Cleanup()

	var started = make(chan struct{}, 2)
	var release = make(chan struct{})
	var persist txn.PersistFunc = func(tx *txn.Transaction) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	go dq.Execute(context.Background(), []txn.Mutation{mut("a", 1)}, WithPersist(persist))
	go dq.Execute(context.Background(), []txn.Mutation{mut("b", 1)}, WithPersist(persist))

	var timeout = time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-timeout:
			t.Fatal("disjoint-key transactions did not run concurrently")
		}
	}
	close(release)
}

func TestBatchFlushesAtMaxSize(t *testing.T) {
	var mgr = txn.NewManager(nil)
	var calls int64
	var b = NewBatch(mgr, 3, time.Hour, nil)
	defer b.Cleanup()

	var txs = make(chan *txn.Transaction, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			var key = string(rune('a' + i))
			var tx, _ = b.Execute(context.Background(), []txn.Mutation{mut(key, i)}, WithPersist(countingPersist(&calls)))
			txs <- tx
		}(i)
	}

	var first = <-txs
	var second = <-txs
	var third = <-txs
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ID, third.ID)
	require.Len(t, first.Mutations(), 3)
}
