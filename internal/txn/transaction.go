package txn

import (
	"sync"
	"time"

	"github.com/estuary/reactivedb/internal/ir"
)

// Strategy selects ordering semantics for a transaction (§3, §4.3).
type Strategy int

const (
	Ordered Strategy = iota
	Parallel
)

// State is a transaction's lifecycle stage (§3).
type State int

const (
	Pending State = iota
	Queued
	Persisting
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Queued:
		return "queued"
	case Persisting:
		return "persisting"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == Completed || s == Failed }

// Mutation is one per-key optimistic write contributed to a transaction.
type Mutation struct {
	CollectionID string
	Key          ir.Key
	Type         ir.ChangeType
	Value        ir.Entity
}

type mutationKey struct {
	collection string
	key        ir.Key
}

// PersistFunc performs the real (usually network) write for a transaction
// and returns an opaque persistResult handed to AwaitSyncFunc (§4.3).
type PersistFunc func(*Transaction) (persistResult any, err error)

// AwaitSyncFunc waits for the sync layer to acknowledge a transaction's
// persistResult (§4.3); nil means "no acknowledgement required."
type AwaitSyncFunc func(persistResult any) error

// Transaction is an optimistic mutation set with queued/parallel ordering,
// persistence, and rollback (§3, §4.3).
type Transaction struct {
	ID       string
	Strategy Strategy

	mu        sync.Mutex
	state     State
	mutations map[mutationKey]Mutation
	order     []mutationKey

	QueuedBehind *Transaction

	IsPersisted *Promise
	IsSynced    *Promise

	Err error

	CreatedAt time.Time

	persist   PersistFunc
	awaitSync AwaitSyncFunc

	manager *Manager
}

func newTransaction(id string, strategy Strategy, persist PersistFunc, awaitSync AwaitSyncFunc, m *Manager) *Transaction {
	return &Transaction{
		ID:          id,
		Strategy:    strategy,
		state:       Pending,
		mutations:   map[mutationKey]Mutation{},
		IsPersisted: newPromise(),
		IsSynced:    newPromise(),
		CreatedAt:   time.Now(),
		persist:     persist,
		awaitSync:   awaitSync,
		manager:     m,
	}
}

// State returns the transaction's current lifecycle stage.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Mutations returns the transaction's merged, per-key mutation set in
// first-touched order.
func (t *Transaction) Mutations() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.mutations[k])
	}
	return out
}

// merge folds new mutations into the transaction's set, latest write wins
// per key (§3, Property 4).
func (t *Transaction) merge(muts []Mutation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range muts {
		k := mutationKey{collection: m.CollectionID, key: m.Key}
		if _, ok := t.mutations[k]; !ok {
			t.order = append(t.order, k)
		}
		t.mutations[k] = m
	}
}

func (t *Transaction) keys() []mutationKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]mutationKey, len(t.order))
	copy(out, t.order)
	return out
}
