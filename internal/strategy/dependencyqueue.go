package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/estuary/reactivedb/internal/txn"
)

// DependencyQueue runs transactions concurrently when their dependency-key
// sets are disjoint, and serializes them behind the current holder of any
// shared key (§4.4). Each mutation implicitly contributes a globalKey of
// its (collection, key); WithDependencyKeys adds custom keys on top.
type DependencyQueue struct {
	mgr *txn.Manager

	mu      sync.Mutex
	holders map[string]<-chan struct{}
}

func NewDependencyQueue(mgr *txn.Manager) *DependencyQueue {
	return &DependencyQueue{mgr: mgr, holders: map[string]<-chan struct{}{}}
}

func mutationGlobalKey(m txn.Mutation) string {
	return fmt.Sprintf("%s:%v", m.CollectionID, m.Key)
}

func (d *DependencyQueue) Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error) {
	cfg := newExecuteConfig(opts)

	keys := make(map[string]struct{})
	for _, m := range muts {
		keys[mutationGlobalKey(m)] = struct{}{}
	}
	for _, k := range cfg.dependencies {
		keys[k] = struct{}{}
	}

	done := make(chan struct{})

	d.mu.Lock()
	waits := make([]<-chan struct{}, 0, len(keys))
	seen := map[<-chan struct{}]bool{}
	for k := range keys {
		if prev, ok := d.holders[k]; ok && !seen[prev] {
			waits = append(waits, prev)
			seen[prev] = true
		}
		d.holders[k] = done
	}
	d.mu.Unlock()

	for _, w := range waits {
		<-w
	}

	tx, start, err := d.mgr.Prepare(ctx, muts, cfg.strategy, cfg.persist, cfg.awaitSync)
	if err != nil {
		close(done)
		return nil, err
	}
	if start != nil {
		start()
	}

	go func() {
		<-tx.IsPersisted.Done()
		close(done)
		d.mu.Lock()
		for k := range keys {
			if d.holders[k] == (<-chan struct{})(done) { // comparable channel identity
				delete(d.holders, k)
			}
		}
		d.mu.Unlock()
	}()

	return tx, nil
}

func (d *DependencyQueue) Cleanup() {}
