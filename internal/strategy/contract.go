// Package strategy implements the five mutation pacing strategies of
// spec.md §4.4: debounce, throttle, queue, dependency-queue and batch. Each
// shares one contract -- Execute(fn, options?) / Cleanup() -- and returns a
// Transaction handle from Execute, exactly like a direct
// txn.Manager.ApplyTransaction call would, but paced according to its own
// rules. Grounded on the teacher's shuffle/ring.go worker-pool idiom
// (github.com/estuary/flow go/shuffle/ring.go): small, single-purpose
// goroutines coordinated over channels and a mutex-guarded struct, no
// generic scheduler abstraction.
package strategy

import (
	"context"

	"github.com/estuary/reactivedb/internal/txn"
)

// Mutator is a strategy-paced write: it prepares (and, once paced timing
// allows, starts) a transaction through the manager.
type Mutator interface {
	// Execute submits muts for eventual dispatch, honoring the strategy's
	// pacing, and returns the Transaction handle. Debounce and Throttle
	// return as soon as the transaction is prepared; Queue, DependencyQueue
	// and Batch block until their pacing lets the call proceed. The handle's
	// IsPersisted/IsSynced promises resolve once the paced dispatch actually
	// runs (or settle with an error if the mutation is superseded/cancelled
	// before it ever dispatches).
	Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error)

	// Cleanup cancels any pending (not yet dispatched) work and releases
	// timers/goroutines. Safe to call more than once.
	Cleanup()
}

// ExecuteOption customizes one Execute call without widening Mutator's
// signature per strategy.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	dependsOn    []*txn.Transaction
	dependencies []string
	strategy     txn.Strategy
	persist      txn.PersistFunc
	awaitSync    txn.AwaitSyncFunc
}

func newExecuteConfig(opts []ExecuteOption) *executeConfig {
	c := &executeConfig{strategy: txn.Ordered}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithDependsOn declares that execution must wait for the given
// transactions' IsPersisted promises first (Queue strategy, §4.4). A failed
// dependency does not block downstream execution.
func WithDependsOn(deps ...*txn.Transaction) ExecuteOption {
	return func(c *executeConfig) { c.dependsOn = deps }
}

// WithDependencyKeys adds custom dependency keys beyond each mutation's
// implicit per-(collection,key) globalKey (DependencyQueue strategy, §4.4).
func WithDependencyKeys(keys ...string) ExecuteOption {
	return func(c *executeConfig) { c.dependencies = keys }
}

// WithTransactionStrategy overrides the ordering strategy (Ordered/Parallel)
// passed through to the underlying txn.Manager. Defaults to Ordered.
func WithTransactionStrategy(s txn.Strategy) ExecuteOption {
	return func(c *executeConfig) { c.strategy = s }
}

// WithPersist/WithAwaitSync supply the per-call persist/awaitSync closures
// the manager needs to actually dispatch the transaction.
func WithPersist(p txn.PersistFunc) ExecuteOption {
	return func(c *executeConfig) { c.persist = p }
}

func WithAwaitSync(a txn.AwaitSyncFunc) ExecuteOption {
	return func(c *executeConfig) { c.awaitSync = a }
}
