package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/reactivedb/internal/ir"
)

type fakeTarget struct {
	id      string
	applied []ir.Key
	settled []string
	timeout int
}

func newFakeTarget(id string) *fakeTarget { return &fakeTarget{id: id} }

func (f *fakeTarget) ID() string { return f.id }
func (f *fakeTarget) ApplyOptimistic(txnID string, key ir.Key, typ ir.ChangeType, value ir.Entity) {
	f.applied = append(f.applied, key)
}
func (f *fakeTarget) SettleTransaction(txnID string) { f.settled = append(f.settled, txnID) }
func (f *fakeTarget) AwaitSyncTimeoutMs() int        { return f.timeout }

func TestApplyTransactionHappyPath(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	mgr.Register(target)

	var persisted bool
	var persist PersistFunc = func(tx *Transaction) (any, error) {
		persisted = true
		return "ok", nil
	}
	var awaitSync AwaitSyncFunc = func(result any) error {
		require.Equal(t, "ok", result)
		return nil
	}

	var tx, err = mgr.ApplyTransaction(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"id": "a"}},
	}, Ordered, persist, awaitSync)
	require.NoError(t, err)
	require.NoError(t, tx.IsPersisted.Wait(context.Background()))
	require.NoError(t, tx.IsSynced.Wait(context.Background()))
	require.True(t, persisted)
	require.Equal(t, Completed, tx.State())
	require.Contains(t, target.applied, ir.Key("a"))
	require.Contains(t, target.settled, tx.ID)
}

func TestApplyTransactionMergesIntoPendingPredecessor(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	mgr.Register(target)

	var release = make(chan struct{})
	var persist PersistFunc = func(tx *Transaction) (any, error) {
		<-release
		return nil, nil
	}

	var tx1, err = mgr.ApplyTransaction(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"n": 1}},
	}, Ordered, persist, nil)
	require.NoError(t, err)

	// A second call racing before tx1 leaves Pending should merge into it.
	var tx2, err2 = mgr.ApplyTransaction(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Update, Value: ir.Entity{"n": 2}},
	}, Ordered, persist, nil)
	require.NoError(t, err2)

	if tx2.ID == tx1.ID {
		var muts = tx1.Mutations()
		require.Len(t, muts, 1)
		require.Equal(t, ir.Entity{"n": 2}, muts[0].Value)
	}
	close(release)
	require.NoError(t, tx1.IsPersisted.Wait(context.Background()))
}

func TestApplyTransactionFailurePropagatesToBothPromises(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	mgr.Register(target)

	var boom = context.DeadlineExceeded
	var persist PersistFunc = func(tx *Transaction) (any, error) { return nil, boom }

	var tx, err = mgr.ApplyTransaction(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"id": "a"}},
	}, Ordered, persist, nil)
	require.NoError(t, err)

	require.Error(t, tx.IsPersisted.Wait(context.Background()))
	require.Error(t, tx.IsSynced.Wait(context.Background()))
	require.Equal(t, Failed, tx.State())
}

func TestApplyTransactionAwaitSyncTimeout(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	target.timeout = 20
	mgr.Register(target)

	var persist PersistFunc = func(tx *Transaction) (any, error) { return nil, nil }
	var awaitSync AwaitSyncFunc = func(result any) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	var tx, err = mgr.ApplyTransaction(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"id": "a"}},
	}, Ordered, persist, awaitSync)
	require.NoError(t, err)

	require.NoError(t, tx.IsPersisted.Wait(context.Background()))
	var syncErr = tx.IsSynced.Wait(context.Background())
	require.Error(t, syncErr)
	require.Equal(t, Failed, tx.State())
}

func TestPrepareDeferredStart(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	mgr.Register(target)

	var persist PersistFunc = func(tx *Transaction) (any, error) { return nil, nil }

	var tx, start, err = mgr.Prepare(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"id": "a"}},
	}, Ordered, persist, nil)
	require.NoError(t, err)
	require.Equal(t, Pending, tx.State())
	require.NotNil(t, start)

	start()
	require.NoError(t, tx.IsPersisted.Wait(context.Background()))
}

func TestCancelRollsBackPendingTransaction(t *testing.T) {
	var mgr = NewManager(nil)
	var target = newFakeTarget("things")
	mgr.Register(target)

	var persist PersistFunc = func(tx *Transaction) (any, error) { return nil, nil }

	var tx, _, err = mgr.Prepare(context.Background(), []Mutation{
		{CollectionID: "things", Key: "a", Type: ir.Insert, Value: ir.Entity{"id": "a"}},
	}, Ordered, persist, nil)
	require.NoError(t, err)

	require.True(t, mgr.Cancel(tx))
	require.Error(t, tx.IsPersisted.Wait(context.Background()))
	require.Equal(t, Failed, tx.State())
	require.Contains(t, target.settled, tx.ID)
}
