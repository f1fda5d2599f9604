package strategy

import (
	"context"
	"sync"

	"github.com/estuary/reactivedb/internal/txn"
)

// QueueEnd selects which end of the deque an operation touches (§4.4
// addItemsTo/getItemsFrom).
type QueueEnd int

const (
	Back QueueEnd = iota
	Front
)

type queueItem struct {
	ctx    context.Context
	muts   []txn.Mutation
	cfg    *executeConfig
	result chan queueResult
}

type queueResult struct {
	tx  *txn.Transaction
	err error
}

// Queue strictly serializes dispatch: each item's transaction must resolve
// IsPersisted before the next item begins (§4.4). Items may declare
// dependsOn transactions whose IsPersisted promise is awaited first; a
// failed dependency does not block the item itself.
type Queue struct {
	mgr          *txn.Manager
	maxSize      int
	addItemsTo   QueueEnd
	getItemsFrom QueueEnd

	mu     sync.Mutex
	items  []*queueItem
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewQueue(mgr *txn.Manager, maxSize int, addItemsTo, getItemsFrom QueueEnd) *Queue {
	q := &Queue{
		mgr:          mgr,
		maxSize:      maxSize,
		addItemsTo:   addItemsTo,
		getItemsFrom: getItemsFrom,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error) {
	cfg := newExecuteConfig(opts)
	item := &queueItem{ctx: ctx, muts: muts, cfg: cfg, result: make(chan queueResult, 1)}

	q.mu.Lock()
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		if q.addItemsTo == Front {
			q.items = q.items[:len(q.items)-1]
		} else {
			q.items = q.items[1:]
		}
	}
	if q.addItemsTo == Front {
		q.items = append([]*queueItem{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	res := <-item.result
	return res.tx, res.err
}

func (q *Queue) popNext() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	var item *queueItem
	if q.getItemsFrom == Front {
		item = q.items[0]
		q.items = q.items[1:]
	} else {
		item = q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]
	}
	return item
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for {
			item := q.popNext()
			if item == nil {
				break
			}
			q.process(item)
		}
	}
}

func (q *Queue) process(item *queueItem) {
	for _, dep := range item.cfg.dependsOn {
		if dep != nil {
			<-dep.IsPersisted.Done()
		}
	}

	tx, start, err := q.mgr.Prepare(item.ctx, item.muts, item.cfg.strategy, item.cfg.persist, item.cfg.awaitSync)
	if err != nil {
		item.result <- queueResult{nil, err}
		return
	}
	if start != nil {
		start()
	}
	item.result <- queueResult{tx, nil}

	<-tx.IsPersisted.Done()
}

func (q *Queue) Cleanup() {
	q.once.Do(func() { close(q.done) })
}
