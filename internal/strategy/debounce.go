package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/estuary/reactivedb/internal/txn"
)

// Debounce executes at most one transaction per quiet window (§4.4): a
// not-yet-dispatched transaction from a prior Execute call is rolled back
// and replaced by the latest one every time Execute fires again before wait
// elapses.
type Debounce struct {
	mgr      *txn.Manager
	wait     time.Duration
	leading  bool
	trailing bool

	mu      sync.Mutex
	timer   *time.Timer
	pending *txn.Transaction
	start   func()
	inWait  bool
}

// NewDebounce builds a Debounce pacer. leading fires the first call in a
// quiet window immediately; trailing fires the latest call once wait
// elapses with no further calls.
func NewDebounce(mgr *txn.Manager, wait time.Duration, leading, trailing bool) *Debounce {
	return &Debounce{mgr: mgr, wait: wait, leading: leading, trailing: trailing}
}

func (d *Debounce) Execute(ctx context.Context, muts []txn.Mutation, opts ...ExecuteOption) (*txn.Transaction, error) {
	cfg := newExecuteConfig(opts)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		d.mgr.Cancel(d.pending)
		d.pending = nil
		d.start = nil
	}

	tx, start, err := d.mgr.Prepare(ctx, muts, cfg.strategy, cfg.persist, cfg.awaitSync)
	if err != nil {
		return nil, err
	}

	fireLeading := d.leading && !d.inWait
	d.inWait = true

	if d.timer != nil {
		d.timer.Stop()
	}

	if fireLeading {
		if start != nil {
			start()
		}
	} else {
		d.pending = tx
		d.start = start
	}

	d.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.inWait = false
		if d.trailing && d.start != nil {
			d.start()
		}
		d.pending = nil
		d.start = nil
	})

	return tx, nil
}

func (d *Debounce) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.pending != nil {
		d.mgr.Cancel(d.pending)
		d.pending = nil
		d.start = nil
	}
}
