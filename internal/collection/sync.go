package collection

import (
	log "github.com/sirupsen/logrus"

	"github.com/estuary/reactivedb/internal/compare"
)

// syncBatch accumulates writes between Begin and Commit (§4.1, §6).
type syncBatch struct {
	ops      []WriteOp
	truncate bool
}

func (c *Collection) startSync() error {
	ctrl := SyncController{
		Begin:     c.syncBegin,
		Write:     c.syncWrite,
		Commit:    c.syncCommit,
		Truncate:  c.syncTruncate,
		MarkReady: c.syncMarkReady,
	}
	cleanup, err := c.cfg.Sync.Sync(ctrl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.syncCleanup = cleanup
	c.mu.Unlock()
	return nil
}

func (c *Collection) syncBegin() {
	c.mu.Lock()
	c.batch = &syncBatch{}
	c.mu.Unlock()
}

func (c *Collection) syncWrite(op WriteOp) {
	c.mu.Lock()
	if c.batch == nil {
		c.batch = &syncBatch{}
	}
	c.batch.ops = append(c.batch.ops, op)
	c.mu.Unlock()
}

func (c *Collection) syncTruncate() {
	c.mu.Lock()
	if c.batch == nil {
		c.batch = &syncBatch{}
	}
	c.batch.truncate = true
	c.mu.Unlock()
}

func (c *Collection) syncMarkReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.gc.markReady()
	c.maybeArmGC()
}

// syncCommit closes out the current batch, deciding (via the host's
// OnSyncWhilePersisting hook, when conflicts exist against the optimistic
// overlay) whether to apply it now or defer it behind in-flight
// transactions (§4.1).
func (c *Collection) syncCommit() {
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	if batch == nil {
		c.mu.Unlock()
		return
	}

	pending := c.st.PendingKeys()
	conflicting := conflictingKeys(batch, pending, c.cfg.GetKey)

	commitNow := true
	if len(conflicting) > 0 && c.cfg.Sync.OnSyncWhilePersisting != nil {
		commitNow = c.cfg.Sync.OnSyncWhilePersisting(OnSyncWhilePersistingArgs{
			PendingSyncKeys:            batchKeys(batch, c.cfg.GetKey),
			PersistingKeys:             mapKeys(pending),
			ConflictingKeys:            conflicting,
			PersistingTransactionCount: len(c.activeTxns),
			IsTruncate:                 batch.truncate,
		})
	}

	if !commitNow {
		c.deferred = append(c.deferred, batch)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyBatch(batch)
}

func conflictingKeys(batch *syncBatch, pending map[Key]bool, getKey func(Entity) Key) []Key {
	var out []Key
	for _, op := range batch.ops {
		if pending[resolveKey(op, getKey)] {
			out = append(out, resolveKey(op, getKey))
		}
	}
	return out
}

func batchKeys(batch *syncBatch, getKey func(Entity) Key) []Key {
	out := make([]Key, 0, len(batch.ops))
	for _, op := range batch.ops {
		out = append(out, resolveKey(op, getKey))
	}
	return out
}

func mapKeys(m map[Key]bool) []Key {
	out := make([]Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func resolveKey(op WriteOp, getKey func(Entity) Key) Key {
	if op.Key != nil {
		return op.Key
	}
	if op.Value != nil {
		return getKey(op.Value)
	}
	return nil
}

// applyBatch commits a batch into synced state, feeding the index manager
// and dispatching changes to subscribers.
//
// A duplicate Insert of a key already present in synced state whose value
// is unchanged is always silently folded into an Update (§7: "identical
// values are silently coerced to updates on all collections"). One whose
// value actually differs is tolerated, logged, and folded into an Update
// only when the collection is internally marked as a live query (§4.12),
// since a compiled query's own re-derivation of a row is expected to look
// like a fresh insert on every change. For a regular, host-driven
// collection the same case is fatal (§7): the whole batch is discarded and
// the collection transitions to StatusErrored instead of silently
// corrupting the sync driver's intended semantics.
func (c *Collection) applyBatch(batch *syncBatch) {
	c.mu.Lock()

	oldSynced := make(map[Key]Entity, len(c.st.synced))
	for k, v := range c.st.synced {
		oldSynced[k] = v
	}

	liveQuery := c.isLiveQueryLocked()
	if !liveQuery {
		if err := fatalDuplicateInsert(batch, oldSynced, c.cfg.GetKey); err != nil {
			c.mu.Unlock()
			log.WithField("collection", c.cfg.ID).WithError(err).
				Error("sync batch discarded: duplicate key on sync insert")
			c.fail(err)
			return
		}
	}

	truncatedAway := c.st.ApplySyncedCommit(batch.ops, batch.truncate, c.cfg.GetKey)

	var changes []Change
	for _, k := range truncatedAway {
		old := oldSynced[k]
		c.idx.Upsert(k, old, nil)
		changes = append(changes, Change{Type: Delete, Key: k, PreviousValue: old})
	}

	for _, op := range batch.ops {
		k := resolveKey(op, c.cfg.GetKey)
		old, hadOld := oldSynced[k]

		if op.Type == Delete {
			if hadOld {
				c.idx.Upsert(k, old, nil)
				changes = append(changes, Change{Type: Delete, Key: k, PreviousValue: old})
			}
			continue
		}

		var oldForIndex Entity
		if hadOld {
			oldForIndex = old
		}
		c.idx.Upsert(k, oldForIndex, op.Value)

		typ := op.Type
		if hadOld && typ == Insert {
			// Non-live-query collections only reach here when the values
			// are equal (fatalDuplicateInsert already rejected the batch
			// otherwise), so there's nothing worth a warning about.
			if liveQuery && !compare.Equal(old, op.Value) {
				log.WithField("collection", c.cfg.ID).WithField("key", k).
					Warn("duplicate key on sync insert, folding into update")
			}
			typ = Update
		}
		ch := Change{Type: typ, Key: k, Value: op.Value}
		if hadOld {
			ch.PreviousValue = old
		}
		changes = append(changes, ch)
	}

	subs := c.snapshotSubs()
	c.mu.Unlock()

	for _, ch := range changes {
		c.dispatchChange(subs, ch)
	}
	c.drainDeferred()
}

// fatalDuplicateInsert scans batch for an Insert whose key is already
// present in oldSynced with a different value, returning ErrDuplicateKeySync
// for the first one found. Identical-value duplicates are not an error
// (§7).
func fatalDuplicateInsert(batch *syncBatch, oldSynced map[Key]Entity, getKey func(Entity) Key) error {
	for _, op := range batch.ops {
		if op.Type != Insert {
			continue
		}
		k := resolveKey(op, getKey)
		old, hadOld := oldSynced[k]
		if hadOld && !compare.Equal(old, op.Value) {
			return ErrDuplicateKeySync{Key: k}
		}
	}
	return nil
}

// isLiveQueryLocked reports the internal live-query marker (§4.12); caller
// must hold c.mu.
func (c *Collection) isLiveQueryLocked() bool {
	if c.cfg.Utils == nil {
		return false
	}
	v, _ := c.cfg.Utils[liveQueryMarkerKey].(bool)
	return v
}

// drainDeferred re-attempts batches parked by syncCommit, in FIFO order,
// stopping at the first one still in conflict.
func (c *Collection) drainDeferred() {
	for {
		c.mu.Lock()
		if len(c.deferred) == 0 {
			c.mu.Unlock()
			return
		}
		pending := c.st.PendingKeys()
		batch := c.deferred[0]
		if len(conflictingKeys(batch, pending, c.cfg.GetKey)) > 0 {
			c.mu.Unlock()
			return
		}
		c.deferred = c.deferred[1:]
		c.mu.Unlock()
		c.applyBatch(batch)
	}
}
