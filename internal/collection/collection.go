// Package collection implements the keyed entity store with layered
// optimistic state, sync ingestion, subscription fan-out, automatic
// indexing, and garbage-collected lifecycle (spec.md §3, §4.1).
//
// Grounded on the teacher's consumer/app.go Application: a long-lived owner
// of mutable state that's driven externally (here, by the sync driver and
// the transaction manager) rather than polling for change.
package collection

import (
	"context"
	"fmt"
	"sync"

	"github.com/estuary/reactivedb/internal/index"
	"github.com/estuary/reactivedb/internal/txn"
)

// Status is a collection's overall health, distinct from any one
// subscription's SubStatus (§7 Error Handling Design).
type Status int

const (
	StatusOK Status = iota
	StatusErrored
)

// Collection is the unit of storage and subscription (§3, §4.1).
type Collection struct {
	cfg *Config
	mgr *txn.Manager

	mu        sync.RWMutex
	st        *state
	idx       *index.Manager
	subs      map[uint64]*Subscription
	ready     bool
	status    Status
	statusErr error

	activeTxns map[string]bool

	batch    *syncBatch
	deferred []*syncBatch

	gc *gcState

	metrics *Metrics

	syncCleanup func()

	// failCh is closed exactly once, the moment the collection transitions
	// to StatusErrored, so StateWhenReady/Preload callers blocked waiting
	// for the initial sync can be woken with the fatal error instead of
	// hanging forever (§7: "queued subscribers' snapshots fail").
	failCh   chan struct{}
	failOnce sync.Once
}

// New builds a collection from cfg, validating it up front (§4.1). If mgr
// is non-nil the collection registers itself as a txn.Target so
// Insert/Update/Delete can participate in the transaction manager's
// queue/merge ordering (§4.3).
func New(cfg *Config, mgr *txn.Manager) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collection{
		cfg:        cfg,
		mgr:        mgr,
		st:         newState(),
		idx:        index.NewManager(),
		subs:       map[uint64]*Subscription{},
		activeTxns: map[string]bool{},
		metrics:    newMetrics(cfg.ID),
		failCh:     make(chan struct{}),
	}
	c.gc = newGCState(c, cfg.GCTime)
	if mgr != nil {
		mgr.Register(c)
	}
	if cfg.StartSync {
		if err := c.startSync(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ID satisfies txn.Target.
func (c *Collection) ID() string { return c.cfg.ID }

// AwaitSyncTimeoutMs satisfies txn.Target (§9 Open Questions).
func (c *Collection) AwaitSyncTimeoutMs() int { return c.cfg.AwaitSyncTimeoutMs }

// Get returns the visible value for key, applying optimistic overlays on
// top of synced state (§3).
func (c *Collection) Get(key Key) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.Get(key)
}

// Has reports whether key currently resolves to a value.
func (c *Collection) Has(key Key) bool {
	_, ok := c.Get(key)
	return ok
}

// Size returns the number of visible entities.
func (c *Collection) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.Size()
}

// Values returns every visible entity in unspecified order.
func (c *Collection) Values() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	visible := c.st.Visible()
	out := make([]Entity, 0, len(visible))
	for _, v := range visible {
		out = append(out, v)
	}
	return out
}

// ToArray is an alias for Values matching the host API's naming (§3).
func (c *Collection) ToArray() []Entity { return c.Values() }

// CurrentStateAsChanges snapshots the entire visible state as Insert
// changes, used to seed a fresh subscriber (§4.2).
func (c *Collection) CurrentStateAsChanges() []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	visible := c.st.Visible()
	out := make([]Change, 0, len(visible))
	for k, v := range visible {
		out = append(out, Change{Type: Insert, Key: k, Value: v})
	}
	return out
}

// mutate is the shared path for Insert/Update/Delete: build one mutation,
// submit it to the transaction manager, and return the handle. A collection
// built without a manager rejects the mutation with an error.
func (c *Collection) mutate(ctx context.Context, key Key, typ ChangeType, value Entity, persist txn.PersistFunc, awaitSync txn.AwaitSyncFunc) (*txn.Transaction, error) {
	if c.mgr == nil {
		return nil, fmt.Errorf("collection %s: no transaction manager wired", c.cfg.ID)
	}
	return c.mgr.ApplyTransaction(ctx, []txn.Mutation{
		{CollectionID: c.cfg.ID, Key: key, Type: typ, Value: value},
	}, txn.Ordered, persist, awaitSync)
}

// Insert stages an optimistic insert and submits it for persistence.
func (c *Collection) Insert(ctx context.Context, value Entity, persist txn.PersistFunc, awaitSync txn.AwaitSyncFunc) (*txn.Transaction, error) {
	return c.mutate(ctx, c.cfg.GetKey(value), Insert, value, persist, awaitSync)
}

// Update stages an optimistic update.
func (c *Collection) Update(ctx context.Context, value Entity, persist txn.PersistFunc, awaitSync txn.AwaitSyncFunc) (*txn.Transaction, error) {
	return c.mutate(ctx, c.cfg.GetKey(value), Update, value, persist, awaitSync)
}

// Delete stages an optimistic delete, keyed directly rather than by value.
func (c *Collection) Delete(ctx context.Context, key Key, persist txn.PersistFunc, awaitSync txn.AwaitSyncFunc) (*txn.Transaction, error) {
	return c.mutate(ctx, key, Delete, nil, persist, awaitSync)
}

// ApplyOptimistic satisfies txn.Target: stages a mutation in the overlay
// and notifies subscribers immediately (§3, §4.3).
func (c *Collection) ApplyOptimistic(txnID string, key Key, typ ChangeType, value Entity) {
	c.mu.Lock()
	prev, hadPrev := c.st.Get(key)
	c.activeTxns[txnID] = true
	var original Entity
	if hadPrev {
		original = prev
	}
	c.st.ApplyOptimistic(txnID, key, typ, value, original)
	if typ != Delete {
		var old Entity
		if hadPrev {
			old = prev
		}
		c.idx.Upsert(key, old, value)
	} else if hadPrev {
		c.idx.Upsert(key, prev, nil)
	}

	// An update that doesn't actually change the visible value (per
	// compare.Equal) is a no-op: skip dispatching it so subscribers aren't
	// woken for nothing (§3 "deep-equal-safe change set").
	if typ == Update && hadPrev {
		if d, err := Diff(prev, value); err == nil && d.NoOp {
			c.mu.Unlock()
			c.maybeArmGC()
			return
		}
	}

	subs := c.snapshotSubs()
	c.mu.Unlock()

	ch := Change{Type: typ, Key: key, Value: value}
	if hadPrev {
		ch.PreviousValue = prev
	}
	c.dispatchChange(subs, ch)
	c.maybeArmGC()
}

// SettleTransaction satisfies txn.Target: drops txnID's overlay contribution
// (§5). Whether the mutation becomes permanent depends on whether the sync
// driver later writes the same key into synced state; a failed transaction
// simply disappears, reverting visible state to what it was before.
func (c *Collection) SettleTransaction(txnID string) {
	c.mu.Lock()
	c.st.RemoveLayer(txnID)
	delete(c.activeTxns, txnID)
	c.mu.Unlock()
	c.maybeArmGC()
	c.drainDeferred()
}

func (c *Collection) snapshotSubs() []*Subscription {
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Collection) dispatchChange(subs []*Subscription, ch Change) {
	for _, s := range subs {
		s.Dispatch([]Change{ch})
	}
	c.metrics.changesObserved.Inc()
}

// SubscribeChanges registers cb for every future change passing filter
// (nil means no filter). If includeInitialState is true, cb is first called
// synchronously with the current visible state as Insert changes (§4.2).
func (c *Collection) SubscribeChanges(filter func(Entity) bool, includeInitialState bool, cb func([]Change)) *Subscription {
	if c.gc.isStopped() {
		c.gc.resurrect()
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		_ = c.startSync()
	}

	c.mu.Lock()
	sub := newSubscription(filter, cb)
	sub.removeFromCollection = func() { c.removeSubscription(sub.id) }
	c.subs[sub.id] = sub
	c.gc.cancel()
	var initial []Change
	if includeInitialState {
		initial = sub.Snapshot(c.st.Visible())
	}
	c.mu.Unlock()

	c.metrics.subscribers.Inc()
	if len(initial) > 0 {
		cb(initial)
	}
	return sub
}

func (c *Collection) removeSubscription(id uint64) {
	c.mu.Lock()
	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		c.metrics.subscribers.Dec()
	}
	c.mu.Unlock()
	c.maybeArmGC()
}

// Status reports the collection's overall health: StatusOK, or StatusErrored
// once a fatal sync error (e.g. a duplicate-key insert, §7) has occurred.
func (c *Collection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// StatusError returns the fatal error behind StatusErrored, or nil.
func (c *Collection) StatusError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusErr
}

// fail transitions the collection to StatusErrored and wakes any caller
// blocked in StateWhenReady/Preload (§7).
func (c *Collection) fail(err error) {
	c.mu.Lock()
	c.status = StatusErrored
	c.statusErr = err
	c.mu.Unlock()
	c.failOnce.Do(func() { close(c.failCh) })
}

// StateWhenReady blocks until the collection's initial sync has flipped it
// ready, ctx is cancelled, or the collection fails fatally (§7).
func (c *Collection) StateWhenReady(ctx context.Context) (map[Key]Entity, error) {
	c.mu.RLock()
	ready := c.ready
	statusErr := c.statusErr
	c.mu.RUnlock()
	if statusErr != nil {
		return nil, statusErr
	}
	if ready {
		return c.Values2(), nil
	}
	readyCh := c.gc.readySignal()
	select {
	case <-readyCh:
		if err := c.StatusError(); err != nil {
			return nil, err
		}
		return c.Values2(), nil
	case <-c.failCh:
		return nil, c.StatusError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Values2 returns the visible state as a map (used internally where keyed
// access is more convenient than the Values slice form).
func (c *Collection) Values2() map[Key]Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.Visible()
}

// Preload forces the collection's sync driver to start (if not already
// started via StartSync) and waits for it to become ready.
func (c *Collection) Preload(ctx context.Context) error {
	c.mu.Lock()
	started := c.syncCleanup != nil
	c.mu.Unlock()
	if !started {
		if err := c.startSync(); err != nil {
			return err
		}
	}
	_, err := c.StateWhenReady(ctx)
	return err
}

// Cleanup releases this collection's sync driver and timers immediately,
// regardless of subscriber/transaction count (§3 lifecycle, explicit
// teardown path distinct from automatic GC).
func (c *Collection) Cleanup() {
	c.mu.Lock()
	cleanup := c.syncCleanup
	c.syncCleanup = nil
	c.mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
	c.gc.stop()
}

// Utils exposes the host-supplied utility bag from Config, used by the
// query engine to stash the internal live-query marker (§4.12) without
// widening Config's surface for every engine-internal flag.
func (c *Collection) Utils() map[string]any { return c.cfg.Utils }

// liveQueryMarkerKey is the reserved Utils key the live-query package sets
// so applyBatch can tell a compiled-query-driven sync stream apart from a
// host-supplied one (§4.12).
const liveQueryMarkerKey = "__isLiveQuery"

// MarkAsLiveQuery flags this collection's sync stream as internally driven
// by a compiled query pipeline, relaxing duplicate-insert handling (§4.12).
func (c *Collection) MarkAsLiveQuery() {
	c.mu.Lock()
	if c.cfg.Utils == nil {
		c.cfg.Utils = map[string]any{}
	}
	c.cfg.Utils[liveQueryMarkerKey] = true
	c.mu.Unlock()
}

// IsLiveQuery reports whether MarkAsLiveQuery was called on this collection.
func (c *Collection) IsLiveQuery() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLiveQueryLocked()
}

// SyncMode reports the configured sync mode (§4.11/§4.12): SyncEager
// collections are always fully loaded; SyncOnDemand collections are
// candidates for a lazy join's on-demand loading path.
func (c *Collection) SyncMode() SyncMode { return c.cfg.SyncMode }

// RequestSyncMore forwards an on-demand load request to the configured
// SyncMore hook (§4.1, §4.12). A collection with no SyncMore configured
// ignores the request: its state is already eagerly loaded, so there's
// nothing more to fetch.
func (c *Collection) RequestSyncMore(req SyncMoreRequest) error {
	if c.cfg.Sync.SyncMore == nil {
		return nil
	}
	return c.cfg.Sync.SyncMore(req)
}

// loadingSubsetMarkerKey is the reserved Utils key the query compiler sets
// while a lazy join still has outstanding on-demand requests against this
// collection (§4.12 "isLoadingSubset").
const loadingSubsetMarkerKey = "__isLoadingSubset"

// SetLoadingSubset flags whether this collection currently holds only a
// subset of the keys a lazy join has requested, not its full logical state.
func (c *Collection) SetLoadingSubset(v bool) {
	c.mu.Lock()
	if c.cfg.Utils == nil {
		c.cfg.Utils = map[string]any{}
	}
	c.cfg.Utils[loadingSubsetMarkerKey] = v
	c.mu.Unlock()
}

// IsLoadingSubset reports the state last set by SetLoadingSubset.
func (c *Collection) IsLoadingSubset() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg.Utils == nil {
		return false
	}
	v, _ := c.cfg.Utils[loadingSubsetMarkerKey].(bool)
	return v
}

func (c *Collection) maybeArmGC() {
	c.mu.RLock()
	idle := len(c.subs) == 0 && len(c.activeTxns) == 0
	c.mu.RUnlock()
	if idle {
		c.gc.arm()
	} else {
		c.gc.cancel()
	}
}

var _ txn.Target = (*Collection)(nil)
