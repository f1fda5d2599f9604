package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/estuary/reactivedb/internal/txn"
)

// Batch accumulates mutations from successive Execute calls into one
// transaction, flushing when maxSize is reached, wait elapses since the
// first unflushed call, or getShouldExecute reports true (§4.4).
type Batch struct {
	mgr              *txn.Manager
	maxSize          int
	wait             time.Duration
	getShouldExecute func([]txn.Mutation) bool

	mu      sync.Mutex
	muts    []txn.Mutation
	waiters []chan batchResult
	cfg     *executeConfig
	timer   *time.Timer
	ctx     context.Context
}

type batchResult struct {
	tx  *txn.Transaction
	err error
}

func NewBatch(mgr *txn.Manager, maxSize int, wait time.Duration, getShouldExecute func([]txn.Mutation) bool) *Batch {
	return &Batch{mgr: mgr, maxSize: maxSize, wait: wait, getShouldExecute: getShouldExecute}
}

func (b *Batch) Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error) {
	cfg := newExecuteConfig(opts)
	ch := make(chan batchResult, 1)

	b.mu.Lock()
	b.ctx = ctx
	b.cfg = cfg
	b.muts = append(b.muts, muts...)
	b.waiters = append(b.waiters, ch)

	shouldFlush := (b.maxSize > 0 && len(b.muts) >= b.maxSize) ||
		(b.getShouldExecute != nil && b.getShouldExecute(b.muts))

	if shouldFlush {
		b.flushLocked()
	} else if b.timer == nil && b.wait > 0 {
		b.timer = time.AfterFunc(b.wait, b.flush)
	}
	b.mu.Unlock()

	res := <-ch
	return res.tx, res.err
}

func (b *Batch) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// flushLocked must be called with b.mu held.
func (b *Batch) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.muts) == 0 {
		return
	}
	muts, waiters, cfg, ctx := b.muts, b.waiters, b.cfg, b.ctx
	b.muts, b.waiters, b.cfg, b.ctx = nil, nil, nil, nil

	tx, start, err := b.mgr.Prepare(ctx, muts, cfg.strategy, cfg.persist, cfg.awaitSync)
	if start != nil {
		start()
	}
	for _, w := range waiters {
		w <- batchResult{tx, err}
	}
}

func (b *Batch) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for _, w := range b.waiters {
		w <- batchResult{nil, context.Canceled}
	}
	b.muts, b.waiters, b.cfg, b.ctx = nil, nil, nil, nil
}
