// Package txn implements the optimistic transaction manager (spec.md §4.3):
// queued/parallel mutation ordering, persistence, sync-acknowledgement,
// rollback, and the durable-store round trip. Grounded on the teacher's
// consumer/store.go worker (github.com/estuary/flow go/consumer/store.go):
// a per-shard store that owns in-flight work and is driven to completion by
// explicit state transitions rather than a generic event bus.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/reactivedb/internal/ir"
)

// Target is the collection-side surface the transaction manager drives:
// apply an optimistic mutation under a transaction id, and drop that
// transaction's overlay once it terminates (§5 "rollback").
type Target interface {
	ID() string
	ApplyOptimistic(txnID string, key ir.Key, typ ir.ChangeType, value ir.Entity)
	SettleTransaction(txnID string)
	AwaitSyncTimeoutMs() int
}

// DurableStore is the pluggable persistent transaction store consumed by
// the manager (§4.3, §6): opaque blobs keyed by transaction id.
type DurableStore interface {
	GetAll() (map[string][]byte, error)
	Put(id string, blob []byte) error
	Delete(id string) error
	ClearAll() error
}

// MemStore is an in-process DurableStore, useful for tests and for hosts
// that don't need cross-process durability (the engine itself never
// requires it, per spec.md §1 Non-goals).
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore { return &MemStore{data: map[string][]byte{}} }

func (s *MemStore) GetAll() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) Put(id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = blob
	return nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *MemStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string][]byte{}
	return nil
}

const defaultAwaitSyncTimeoutMs = 2000

// persistedTxn is the JSON-serializable shape written to DurableStore.
type persistedTxn struct {
	ID        string     `json:"id"`
	Strategy  Strategy   `json:"strategy"`
	Mutations []Mutation `json:"mutations"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Manager coordinates transactions across one or more registered Targets.
type Manager struct {
	mu      sync.Mutex
	targets map[string]Target
	store   DurableStore

	// activeByKey tracks, for each (collection,key), the most recently
	// created non-terminal transaction that claimed it -- the basis for
	// both the merge and the queue decisions (§4.3; see DESIGN.md for the
	// merge-vs-queue timing rule this implements).
	activeByKey map[mutationKey]*Transaction
	byID        map[string]*Transaction

	counter uint64

	metrics *metrics
}

func NewManager(store DurableStore) *Manager {
	if store == nil {
		store = NewMemStore()
	}
	return &Manager{
		targets:     map[string]Target{},
		store:       store,
		activeByKey: map[mutationKey]*Transaction{},
		byID:        map[string]*Transaction{},
		metrics:     newMetrics(),
	}
}

func (m *Manager) Register(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID()] = t
}

func (m *Manager) nextID() string {
	return fmt.Sprintf("txn-%d", atomic.AddUint64(&m.counter, 1))
}

// Restore re-queues non-terminal transactions found in the durable store
// (§4.3 "on process restart, non-terminal transactions are re-queued").
// Since persisted state carries no persist/awaitSync closures (those are
// supplied by the host per call, not serializable), restored transactions
// are surfaced to the caller to be resubmitted with fresh persist/awaitSync
// functions; Restore itself only reports what was pending.
func (m *Manager) Restore() ([]Mutation, error) {
	blobs, err := m.store.GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "loading persisted transactions")
	}
	var out []Mutation
	for id, blob := range blobs {
		var pt persistedTxn
		if err := json.Unmarshal(blob, &pt); err != nil {
			log.WithField("txn", id).WithError(err).Warn("dropping unreadable persisted transaction")
			continue
		}
		out = append(out, pt.Mutations...)
	}
	return out, nil
}

// ApplyTransaction implements the applyTransaction algorithm of §4.3,
// dispatching to persist as soon as ordering allows.
func (m *Manager) ApplyTransaction(ctx context.Context, muts []Mutation, strategy Strategy, persist PersistFunc, awaitSync AwaitSyncFunc) (*Transaction, error) {
	tx, start, err := m.Prepare(ctx, muts, strategy, persist, awaitSync)
	if err != nil {
		return nil, err
	}
	if start != nil {
		start()
	}
	return tx, nil
}

// Prepare performs merge/queue/create and applies the optimistic overlay,
// but leaves dispatch-to-persist to the caller: mutation strategies (§4.4)
// use this to pace exactly when a transaction actually starts persisting,
// while still surfacing a live Transaction handle immediately. start is nil
// when muts merged into an existing Pending transaction, whose own start
// dispatches them (nothing new to dispatch).
func (m *Manager) Prepare(ctx context.Context, muts []Mutation, strategy Strategy, persist PersistFunc, awaitSync AwaitSyncFunc) (tx *Transaction, start func(), err error) {
	if len(muts) == 0 {
		return nil, nil, fmt.Errorf("applyTransaction: no mutations")
	}

	m.mu.Lock()
	var predecessor *Transaction
	for _, mu := range muts {
		k := mutationKey{collection: mu.CollectionID, key: mu.Key}
		if cur, ok := m.activeByKey[k]; ok && !cur.State().Terminal() {
			predecessor = cur
			break
		}
	}

	// Merge: the first overlapping active transaction is still pending,
	// i.e. hasn't yet been dispatched to persist.
	if predecessor != nil && predecessor.State() == Pending {
		predecessor.merge(muts)
		for _, mu := range muts {
			k := mutationKey{collection: mu.CollectionID, key: mu.Key}
			m.activeByKey[k] = predecessor
		}
		m.mu.Unlock()
		m.applyOptimistic(predecessor, muts)
		return predecessor, nil, nil
	}

	tx = newTransaction(m.nextID(), strategy, persist, awaitSync, m)
	m.metrics.active.Inc()
	tx.merge(muts)
	for _, mu := range muts {
		k := mutationKey{collection: mu.CollectionID, key: mu.Key}
		m.activeByKey[k] = tx
	}
	m.byID[tx.ID] = tx

	queue := strategy == Ordered && predecessor != nil
	if queue {
		tx.setState(Queued)
		tx.QueuedBehind = predecessor
	}
	m.mu.Unlock()

	m.applyOptimistic(tx, muts)

	if err := m.save(tx); err != nil {
		log.WithField("txn", tx.ID).WithError(err).Warn("failed to persist transaction to durable store")
	}

	started := false
	start = func() {
		if started {
			return
		}
		started = true
		if queue {
			go m.awaitPredecessorThenDispatch(ctx, tx, predecessor)
		} else {
			go m.dispatch(ctx, tx)
		}
	}
	return tx, start, nil
}

// Cancel rolls back a not-yet-dispatched (Pending or Queued) transaction
// without persisting it, used by mutation pacing strategies (§4.4) to
// supersede a transaction before it starts (e.g. debounce replacing a
// pending call). Dispatched transactions (Persisting or later) cannot be
// cancelled.
func (m *Manager) Cancel(tx *Transaction) bool {
	if tx == nil {
		return false
	}
	tx.mu.Lock()
	switch tx.state {
	case Pending, Queued:
		tx.state = Failed
	default:
		tx.mu.Unlock()
		return false
	}
	tx.mu.Unlock()

	err := fmt.Errorf("transaction %s cancelled", tx.ID)
	tx.Err = err
	m.metrics.failed.Inc()
	tx.IsPersisted.resolve(err)
	tx.IsSynced.resolve(err)
	m.settle(tx)
	return true
}

func (m *Manager) applyOptimistic(tx *Transaction, muts []Mutation) {
	m.mu.Lock()
	targets := make(map[string]Target, len(m.targets))
	for k, v := range m.targets {
		targets[k] = v
	}
	m.mu.Unlock()
	for _, mu := range muts {
		if t, ok := targets[mu.CollectionID]; ok {
			t.ApplyOptimistic(tx.ID, mu.Key, mu.Type, mu.Value)
		}
	}
}

func (m *Manager) persistTransaction(tx *Transaction) error {
	blob, err := json.Marshal(persistedTxn{
		ID: tx.ID, Strategy: tx.Strategy, Mutations: tx.Mutations(), CreatedAt: tx.CreatedAt,
	})
	if err != nil {
		return err
	}
	return m.store.Put(tx.ID, blob)
}

func (m *Manager) save(tx *Transaction) error {
	return m.persistTransaction(tx)
}

// awaitPredecessorThenDispatch blocks (on its own goroutine) until
// predecessor terminates, then dispatches tx. A failed predecessor does
// NOT fail tx (§4.3): each queued transaction gets its own persist attempt.
func (m *Manager) awaitPredecessorThenDispatch(ctx context.Context, tx *Transaction, predecessor *Transaction) {
	<-predecessor.IsPersisted.Done()
	<-predecessor.IsSynced.Done()
	m.dispatch(ctx, tx)
}

// dispatch runs the persist/awaitSync pipeline for tx (§4.3, §5).
func (m *Manager) dispatch(ctx context.Context, tx *Transaction) {
	tx.setState(Persisting)

	result, err := tx.persist(tx)
	if err != nil {
		m.fail(tx, fmt.Errorf("persisting transaction %s: %w", tx.ID, err))
		return
	}
	tx.IsPersisted.resolve(nil)

	if tx.awaitSync != nil {
		timeoutMs := m.timeoutFor(tx)
		awaitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- tx.awaitSync(result) }()

		select {
		case err := <-errCh:
			if err != nil {
				m.failSyncOnly(tx, err)
				return
			}
		case <-awaitCtx.Done():
			m.failSyncOnly(tx, fmt.Errorf("Sync operation timed out after 2 seconds"))
			return
		}
	}
	tx.IsSynced.resolve(nil)
	m.complete(tx)
}

// timeoutFor resolves the per-collection awaitSync timeout override (§9
// Open Questions), defaulting to 2000ms when no target specifies one.
func (m *Manager) timeoutFor(tx *Transaction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := 0
	for _, mu := range tx.keys() {
		if t, ok := m.targets[mu.collection]; ok {
			if ms := t.AwaitSyncTimeoutMs(); ms > best {
				best = ms
			}
		}
	}
	if best == 0 {
		return defaultAwaitSyncTimeoutMs
	}
	return best
}

// fail rejects both promises with the same error instance (§7) and rolls
// back the optimistic overlay.
func (m *Manager) fail(tx *Transaction, err error) {
	tx.Err = err
	tx.setState(Failed)
	m.metrics.failed.Inc()
	tx.IsPersisted.resolve(err)
	tx.IsSynced.resolve(err)
	m.settle(tx)
}

// failSyncOnly is used when persist already resolved but awaitSync did not;
// both promises still reject with the same error per §7.
func (m *Manager) failSyncOnly(tx *Transaction, err error) {
	tx.Err = err
	tx.setState(Failed)
	m.metrics.failed.Inc()
	tx.IsSynced.resolve(err)
	m.settle(tx)
}

func (m *Manager) complete(tx *Transaction) {
	tx.setState(Completed)
	m.metrics.completed.Inc()
	m.settle(tx)
}

// settle rolls back tx's overlay on every target it touched and removes it
// from the durable store and the active-key index (§4.3 "terminal states
// delete the transaction from durable store").
func (m *Manager) settle(tx *Transaction) {
	m.metrics.active.Dec()
	m.mu.Lock()
	targets := make(map[string]Target, len(m.targets))
	for k, v := range m.targets {
		targets[k] = v
	}
	for _, k := range tx.keys() {
		if m.activeByKey[k] == tx {
			delete(m.activeByKey, k)
		}
	}
	delete(m.byID, tx.ID)
	m.mu.Unlock()

	seen := map[string]bool{}
	var rollbackErrs *multierror.Error
	for _, k := range tx.keys() {
		if seen[k.collection] {
			continue
		}
		seen[k.collection] = true
		if t, ok := targets[k.collection]; ok {
			func() {
				defer func() {
					if r := recover(); r != nil {
						rollbackErrs = multierror.Append(rollbackErrs, fmt.Errorf("rollback panic on %s: %v", k.collection, r))
					}
				}()
				t.SettleTransaction(tx.ID)
			}()
		}
	}
	if rollbackErrs.ErrorOrNil() != nil {
		log.WithField("txn", tx.ID).WithError(rollbackErrs).Warn("errors settling transaction overlay")
	}
	if err := m.store.Delete(tx.ID); err != nil {
		log.WithField("txn", tx.ID).WithError(err).Warn("failed to delete persisted transaction")
	}
}

// Get returns a previously-created transaction by id, if still tracked.
func (m *Manager) Get(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	return tx, ok
}
